package cmd

import (
	"fmt"
)

const banner = `
  _                                  
 | | _____ _   _ ___ _   _ _ __   ___ 
 | |/ / _ \ | | / __| | | | '_ \ / __|
 |   <  __/ |_| \__ \ |_| | | | | (__ 
 |_|\_\___|\__, |___/\__, |_| |_|\___|
           |___/     |___/            
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Development vault server - Version %s\x1b[0m\n\n", Version)
}
