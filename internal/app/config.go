package app

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nuetzliches/peeklock/internal/config"
)

const defaultConfigPath = "./Peeklockfile"

func configCmd(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "missing subcommand: fmt | validate")
		return 2
	}

	switch args[0] {
	case "fmt":
		return runConfigFormat(args[1:], os.Stdout, os.Stderr)
	case "validate":
		return runConfigValidate(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "unknown config subcommand: %s\n", args[0])
		return 2
	}
}

// runConfigFormat prints the canonical form of the config, or rewrites the
// file in place with --write.
func runConfigFormat(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config fmt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	write := fs.Bool("write", false, "rewrite the config file in place")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	data, err := os.ReadFile(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	cfg, err := config.Parse(data)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	out, err := config.Format(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	if *write {
		if string(out) == string(data) {
			return 0
		}
		if err := writeFileAtomic(*configPath, out); err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		return 0
	}
	_, _ = stdout.Write(out)
	return 0
}

func runConfigValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	format := fs.String("format", "json", "output format: json|text")
	strictStore := fs.Bool("strict-store", false, "check that the configured store location is usable")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	data, err := os.ReadFile(*configPath)
	if err != nil {
		return configValidateError(stderr, *format, err.Error())
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return configValidateError(stderr, *format, err.Error())
	}

	res := config.ValidateWithResultOptions(cfg, config.ValidationOptions{
		StorePreflight: *strictStore,
	})
	dst := stdout
	code := 0
	if !res.OK {
		dst = stderr
		code = 1
	}

	if *format == "text" {
		fmt.Fprintln(dst, config.FormatValidationText(res))
		return code
	}
	out, err := config.FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintln(dst, out)
	return code
}

// configValidateError emits a read or parse failure in the requested format.
func configValidateError(stderr io.Writer, format, msg string) int {
	res := config.ValidationResult{
		OK:     false,
		Errors: []string{msg},
	}
	if format == "text" {
		fmt.Fprintln(stderr, config.FormatValidationText(res))
		return 1
	}
	out, err := config.FormatValidationJSON(res)
	if err != nil {
		fmt.Fprintln(stderr, msg)
		return 1
	}
	fmt.Fprintln(stderr, out)
	return 1
}
