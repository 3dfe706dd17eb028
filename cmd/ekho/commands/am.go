package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ekho-app/ekho/am"
	"github.com/ekho-app/ekho/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage ekho configuration",
	Long: `am - Manage ekho configuration ("I am")

Configuration sources (later overrides earlier):
1. Built-in defaults
2. /etc/ekho/am.toml
3. ~/.ekho/am.toml
4. ./am.toml (searched upwards from the working directory)
5. EKHO_* environment variables, plus GOOGLE_APPLICATION_CREDENTIALS,
   GOOGLE_CLOUD_PROJECT, STORAGE_BUCKET, ELEVENLABS_API_KEY,
   OPENAI_API_KEY and ANTHROPIC_API_KEY

Examples:
  ekho am show                 # Show the effective configuration
  ekho am show --format json   # ... as JSON
  ekho am init                 # Write a starter ~/.ekho/am.toml
  ekho am validate             # Check the configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter am.toml",
	Long:  "Write the default configuration to --path (default ~/.ekho/am.toml). An existing file is backed up first.",
	RunE:  runAmInit,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var (
	configFormat string
	initPath     string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().StringVar(&initPath, "path", "", "Where to write am.toml (default ~/.ekho/am.toml)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amInitCmd)
	AmCmd.AddCommand(amValidateCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	redacted := *cfg
	redacted.Persona.APIKey = redact(cfg.Persona.APIKey)
	redacted.Voice.APIKey = redact(cfg.Voice.APIKey)
	redacted.Storage.SigningSecret = redact(cfg.Storage.SigningSecret)

	out := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(redacted, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(out, string(data))
	case "yaml":
		data, err := yaml.Marshal(redacted)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# ekho configuration\n%s", data)
	case "toml":
		data, err := toml.Marshal(redacted)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Fprintf(out, "# ekho configuration\n%s", data)
	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := initPath
	if path == "" {
		path = am.UserConfigPath()
	}
	if path == "" {
		return errors.New("cannot determine home directory, pass --path")
	}
	if err := am.WriteDefault(path); err != nil {
		return err
	}
	pterm.Success.Printfln("Wrote %s", path)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}
