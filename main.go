// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package main

import "github.com/orbitfleet/gateway/cmd"

func main() {
	cmd.Execute()
}
