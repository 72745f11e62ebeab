package banner

import (
	"fmt"
	"strings"
)

const logo = `
 ____ ____  ____  _   _    _
| __ )___ \| __ )| | | |  / \
|  _ \ __) |  _ \| | | | / _ \
| |_) / __/| |_) | |_| |/ ___ \
|____/_____|____/ \___//_/   \_\`

const ruleWidth = 70

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner with the service name and configuration.
func Print(serviceName string, config []ConfigLine) {
	rule := strings.Repeat("=", ruleWidth)
	fmt.Println(rule)
	fmt.Println(logo)
	fmt.Println(strings.Repeat("-", ruleWidth))
	fmt.Printf("  %s\n\n", serviceName)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}
	for _, c := range config {
		fmt.Printf("  %-*s : %s\n", maxLen, c.Label, c.Value)
	}

	fmt.Println()
	fmt.Println("Ready.")
	fmt.Println(rule)
	fmt.Println()
}
