package main

import "strings"

// reorderInterspersedFlags moves flag tokens ahead of positionals so
// the stdlib flag package, which stops at the first positional, still
// sees flags written after a subcommand argument. valueFlags names the
// flags that consume the following token.
func reorderInterspersedFlags(arguments []string, valueFlags map[string]bool) []string {
	if len(arguments) == 0 {
		return arguments
	}
	var flags, positionals []string
	for i := 0; i < len(arguments); i++ {
		argument := arguments[i]
		if argument == "--" {
			positionals = append(positionals, arguments[i+1:]...)
			break
		}
		if len(argument) < 2 || !strings.HasPrefix(argument, "-") {
			positionals = append(positionals, argument)
			continue
		}
		flags = append(flags, argument)
		if strings.Contains(argument, "=") {
			continue
		}
		if valueFlags[strings.TrimLeft(argument, "-")] && i+1 < len(arguments) {
			i++
			flags = append(flags, arguments[i])
		}
	}
	return append(flags, positionals...)
}
