// Command chatcli is a terminal client for the chat room.
package main

func main() {
	Execute()
}
