// Command toolmesh-gateway boots the Toolmesh Gateway core.
package main

import "github.com/toolmesh/gateway/cmd/toolmesh-gateway/cmd"

func main() {
	cmd.Execute()
}
