// Command showscraper is the ingestion front-end for the event pipeline.
package main

import "github.com/nightowlshows/showscraper/cmd"

func main() {
	cmd.Execute()
}
