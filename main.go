package main

import "github.com/MovieFirebots/Anime-Realm/cmd"

func main() {
	cmd.Execute()
}
