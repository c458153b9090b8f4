// Command harness drives the verification scenarios: run a
// single named scenario, check a previously recorded Elle history file, or
// run the full scenario suite. Exit code 0 means pass (no anomalies);
// non-zero means failure or a reported anomaly.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/orange-dot/roj-consensus/pkg/harness"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "check":
		os.Exit(cmdCheck(os.Args[2:]))
	case "suite":
		os.Exit(cmdSuite(os.Args[2:]))
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  harness run <scenario> [--seed N] [--out history.json]
  harness check <history.json>
  harness suite [--seed N]

scenarios: %s
`, strings.Join(harness.ScenarioNames, ", "))
}

func cmdRun(args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}
	scenario := args[0]
	seed := int64(1)
	out := ""

	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--seed":
			if i+1 < len(args) {
				i++
				if v, err := strconv.ParseInt(args[i], 10, 64); err == nil {
					seed = v
				}
			}
		case "--out":
			if i+1 < len(args) {
				i++
				out = args[i]
			}
		}
	}

	result, err := harness.RunScenario(scenario, seed)
	if err != nil {
		log.Printf("harness: %v", err)
		return 1
	}

	return report(result, out)
}

func cmdCheck(args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		log.Printf("harness: reading history: %v", err)
		return 1
	}

	var events []harness.Event
	if err := json.Unmarshal(data, &events); err != nil {
		log.Printf("harness: parsing history: %v", err)
		return 1
	}

	check := harness.CheckHistory(events)
	printCheck(check)

	if check.Clean {
		return 0
	}
	return 1
}

func cmdSuite(args []string) int {
	seed := int64(1)
	for i := 0; i < len(args); i++ {
		if args[i] == "--seed" && i+1 < len(args) {
			i++
			if v, err := strconv.ParseInt(args[i], 10, 64); err == nil {
				seed = v
			}
		}
	}

	overallExit := 0
	for _, name := range harness.ScenarioNames {
		result, err := harness.RunScenario(name, seed)
		if err != nil {
			log.Printf("scenario %s: %v", name, err)
			overallExit = 1
			continue
		}
		fmt.Printf("--- %s ---\n", name)
		if report(result, "") != 0 {
			overallExit = 1
		}
	}
	return overallExit
}

func report(result *harness.ScenarioResult, outPath string) int {
	if outPath != "" {
		if data, err := json.MarshalIndent(result.History, "", "  "); err == nil {
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				log.Printf("harness: writing history: %v", err)
			}
		}
	}

	status := "PASS"
	if !result.Passed {
		status = "FAIL"
	}
	fmt.Printf("%s: %s (seed=%d)\n", result.Name, status, result.Seed)

	if result.Detail != "" {
		fmt.Printf("  detail: %s\n", result.Detail)
	}
	for _, v := range result.Violations {
		fmt.Printf("  invariant violation [%s]: %s\n", v.Type, v.Description)
	}
	printCheck(result.Check)
	for node, strength := range result.Health {
		fmt.Printf("  health %s: %.3f\n", node, strength)
	}

	if result.Passed {
		return 0
	}
	return 1
}

func printCheck(check harness.CheckResult) {
	if check.Clean {
		fmt.Println("  elle check: clean")
		return
	}
	for _, a := range check.Anomalies {
		fmt.Printf("  elle check anomaly [%s] key=%d: %s\n", a.Category, a.Key, a.Detail)
	}
}
