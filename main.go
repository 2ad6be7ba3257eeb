package main

import "github.com/chrono-downloader/chrono/cmd"

func main() {
	cmd.Execute()
}
