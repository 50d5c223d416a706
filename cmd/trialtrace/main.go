package main

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	startedAt := time.Now().UTC()
	command := normalizeCommand(arguments)
	writeOperationalEvent(operationalEvent{Event: "start", Command: command, At: startedAt})
	exitCode := runDispatch(arguments)
	finishedAt := time.Now().UTC()
	writeOperationalEvent(operationalEvent{
		Event:     "end",
		Command:   command,
		At:        finishedAt,
		ExitCode:  &exitCode,
		ElapsedMS: finishedAt.Sub(startedAt).Milliseconds(),
	})
	return exitCode
}

func runDispatch(arguments []string) int {
	if len(arguments) < 2 {
		fmt.Println("trialtrace", version)
		return exitOK
	}
	if arguments[1] == "--explain" {
		return writeExplain("Trialtrace records reader-study sessions into a tamper-evident hash-chained ledger and produces independently verifiable export bundles.")
	}

	switch arguments[1] {
	case "session":
		return runSession(arguments[2:])
	case "verify":
		return runVerify(arguments[2:])
	case "metrics":
		return runMetrics(arguments[2:])
	case "export":
		return runExport(arguments[2:])
	case "keys":
		return runKeys(arguments[2:])
	case "version", "--version", "-v":
		if hasExplainFlag(arguments[2:]) {
			return writeExplain("Print the CLI version.")
		}
		fmt.Println("trialtrace", version)
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func normalizeCommand(arguments []string) string {
	if len(arguments) < 2 {
		return "version"
	}
	command := strings.TrimSpace(arguments[1])
	switch command {
	case "":
		return "unknown"
	case "--version", "-v", "version":
		return "version"
	case "--explain":
		return "explain"
	}
	if len(arguments) > 2 {
		subcommand := strings.TrimSpace(arguments[2])
		if subcommand != "" && !strings.HasPrefix(subcommand, "-") {
			return command + " " + subcommand
		}
	}
	return command
}

func printUsage() {
	fmt.Println(`trialtrace - tamper-evident reader-study session ledger

Usage:
  trialtrace session start --id <session> [--calibration]
  trialtrace session impression --id <session> --birads <0-6> --confidence <1-5>
  trialtrace session expose --id <session> [--ai-birads <0-6>] [--findings <file.json>]
  trialtrace session disclose --id <session> [--detail <file.json>]
  trialtrace session ack --id <session> --finding <finding-id>
  trialtrace session deviate --id <session> --rationale <text>
  trialtrace session skip-deviation --id <session> --reason <text>
  trialtrace session reconcile --id <session> --birads <0-6> --confidence <1-5>
  trialtrace session status --id <session>
  trialtrace session list
  trialtrace verify --session <session> | --export <dir> [--public-key <path>]
  trialtrace metrics [--session <session>] [--csv <path>]
  trialtrace export --session <session> --out <dir> [--private-key <path>]
  trialtrace keys generate --out <dir>
  trialtrace version

Common flags:
  --json     emit JSON output
  --config   protocol config file (default trialtrace.yaml, TRIALTRACE_* env overrides)`)
}
