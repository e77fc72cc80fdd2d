package main

import "github.com/jcmexdev/ecommerce-fulfillment/internal/cli"

func main() {
	cli.Execute()
}
