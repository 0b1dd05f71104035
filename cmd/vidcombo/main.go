package main

import "vidcombo-downloader/cmd/vidcombo/cmd"

func main() {
	cmd.Execute()
}
