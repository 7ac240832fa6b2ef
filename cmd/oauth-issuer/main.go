// Command oauth-issuer runs the OAuth 2.0 authorization server.
package main

func main() {
	Execute()
}
