package main

import "github.com/CrowderSoup/boardsync/cmd"

func main() {
	cmd.Execute()
}
