// Command coord coordinates tasks, agents and locks over a shared SQLite store.
package main

func main() {
	Execute()
}
