package main

import (
	"fmt"
	"os"
	"path/filepath"

	pdp "github.com/authzforce-ce/core"
	"github.com/authzforce-ce/core/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("pdp-config - Configuration tool for the PDP engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pdp-config validate <file>            - Validate and compile a configuration")
	fmt.Println("  pdp-config convert <input> <output>   - Convert between formats")
	fmt.Println("  pdp-config stats <file>               - Show configuration statistics")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
}

func loadConfig(path string) (*pdp.Config, error) {
	return pdp.NewConfigLoader().LoadFile(path)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: pdp-config validate <file>")
		os.Exit(1)
	}
	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	// a full compile catches what validation alone cannot: unknown
	// functions, unresolved references, cycles, depth violations
	engine, err := pdp.NewFromConfig(cfg, logger.NewSLogLogger(nil))
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()
	fmt.Printf("OK: root %s\n", engine.Root().PrimaryMetadata())
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: pdp-config convert <input> <output>")
		os.Exit(1)
	}
	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	out := os.Args[3]
	var data []byte
	switch filepath.Ext(out) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		fmt.Printf("Unsupported output format: %s\n", out)
		os.Exit(1)
	}
	if err != nil {
		fmt.Printf("Error encoding config: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		fmt.Printf("Error writing %s: %v\n", out, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", out)
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: pdp-config stats <file>")
		os.Exit(1)
	}
	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	rules := 0
	for _, p := range cfg.Policies {
		rules += len(p.Rules)
		for _, c := range p.Children {
			if c.Rule != nil {
				rules++
			}
		}
	}
	fmt.Printf("Policies:      %d\n", len(cfg.Policies))
	fmt.Printf("Policy sets:   %d\n", len(cfg.PolicySets))
	fmt.Printf("Rules:         %d\n", rules)
	fmt.Printf("XPath:         %v\n", cfg.Engine.XPathEnabled)
	fmt.Printf("Max ref depth: %d\n", cfg.Engine.MaxPolicySetRefDepth)
}
