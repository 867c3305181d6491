package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configCmd manages the CLI's own configuration file. The vault's
// config.json (custody flags) is part of the data model and is not
// touched here.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  "View and edit the CLI configuration file (default $HOME/.keep.yaml). Keys use dot notation, e.g. vault.store_type.",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View the effective configuration",
	Long:  "Display the configuration resolved from the config file, KEEP_* environment variables and flags.",
	RunE:  runConfigView,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value from the config file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file with defaults",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE:  runConfigValidate,
}

var configForce bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
}

// validConfigKeys is the closed set of keys the CLI understands. Setting
// anything else is rejected so typos surface immediately.
var validConfigKeys = []string{
	"vault.path",
	"vault.store_type",
	"vault.key_bits",
	"vault.memory_lock",
	"vault.s3.endpoint",
	"vault.s3.region",
	"vault.s3.bucket",
	"vault.s3.prefix",
	"vault.s3.access_key_id",
	"vault.s3.secret_access_key",
	"vault.s3.use_ssl",
	"audit.enabled",
	"audit.type",
	"audit.options.file_path",
	"audit.options.max_size",
}

func isValidConfigKey(key string) bool {
	for _, valid := range validConfigKeys {
		if key == valid {
			return true
		}
	}
	return false
}

func configFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keep.yaml")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	settings := map[string]interface{}{}
	for _, key := range validConfigKeys {
		value := viper.Get(key)
		if isSensitiveFlag(key) && value != nil && value != "" {
			value = "***SET***"
		}
		settings[key] = value
	}

	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}

	if viper.ConfigFileUsed() != "" {
		fmt.Printf("# config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Println("# config file: none (defaults and environment)")
	}
	fmt.Print(string(out))
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if isSensitiveFlag(key) {
		return fmt.Errorf("refusing to print sensitive key %s", key)
	}
	fmt.Println(viper.Get(key))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]
	if !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (see 'keep config view' for the key set)", key)
	}

	config, err := readConfigFile()
	if err != nil {
		return err
	}

	setNestedKey(config, key, convertStringValue(raw))

	if err = writeConfigFile(config); err != nil {
		return err
	}
	fmt.Printf("Set %s in %s\n", key, configFilePath())
	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	key := args[0]

	config, err := readConfigFile()
	if err != nil {
		return err
	}

	if err = unsetNestedKey(config, key); err != nil {
		return err
	}

	if err = writeConfigFile(config); err != nil {
		return err
	}
	fmt.Printf("Removed %s from %s\n", key, configFilePath())
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configFilePath()

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	defaults := map[string]interface{}{
		"vault": map[string]interface{}{
			"store_type":  "file",
			"key_bits":    2048,
			"memory_lock": false,
		},
		"audit": map[string]interface{}{
			"enabled": true,
			"type":    "file",
		},
	}

	if err := writeConfigFile(defaults); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	var problems []string

	switch strings.ToLower(viper.GetString("vault.store_type")) {
	case "", "file", "filesystem":
	case "s3":
		if viper.GetString("vault.s3.bucket") == "" {
			problems = append(problems, "vault.s3.bucket is required for the s3 store")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown vault.store_type %q", viper.GetString("vault.store_type")))
	}

	if bits := viper.GetInt("vault.key_bits"); bits != 0 && bits < 2048 {
		problems = append(problems, fmt.Sprintf("vault.key_bits %d is below the 2048 minimum", bits))
	}

	switch viper.GetString("audit.type") {
	case "", "file", "syslog":
	default:
		problems = append(problems, fmt.Sprintf("unknown audit.type %q", viper.GetString("audit.type")))
	}

	if len(problems) == 0 {
		fmt.Println("Configuration is valid.")
		return nil
	}

	sort.Strings(problems)
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return fmt.Errorf("configuration has %d problem(s)", len(problems))
}

// config file helpers

func readConfigFile() (map[string]interface{}, error) {
	config := map[string]interface{}{}

	data, err := os.ReadFile(configFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

func writeConfigFile(config map[string]interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to render config file: %w", err)
	}

	path := configFilePath()
	if err = os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err = os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setNestedKey(config map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	current := config
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")
	current := config
	for i, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
	return nil
}

func convertStringValue(value string) interface{} {
	if value == "true" || value == "false" {
		return value == "true"
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}
