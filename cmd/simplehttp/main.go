package main

import "github.com/kkkk1539/Simple-Http/cmd/simplehttp/cmd"

func main() {
	cmd.Execute()
}
