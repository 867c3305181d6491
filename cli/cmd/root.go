package cmd

import (
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/keep"
	"southwinds.dev/keep/audit"
	"southwinds.dev/keep/persist"
)

var (
	cfgFile     string
	vaultPath   string
	manager     *keep.Manager
	auditLogger audit.Logger
	cliContext  *CLIContext
)

// CLIContext identifies one CLI invocation in the audit trail.
type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keep",
	Short: "A personal secrets vault with public-key custody",
	Long: `keep protects a small named collection of secrets at rest using
public-key-wrapped symmetric encryption. Secrets are encrypted under the
vault's RSA public key, so adding one never needs the private key; reading
one unlocks the private key in whatever custody it is in: a plaintext file,
a passphrase-protected file, or an external authenticator (biometric or
FIDO2).

Secret values are never accepted as command arguments. Interactive sessions
prompt with echo off; scripts pipe the value on stdin or point at a file.`,
	PersistentPreRunE: initializeManager,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if manager != nil {
			return manager.Close()
		}
		return nil
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.keep.yaml)")
	rootCmd.PersistentFlags().StringVarP(&vaultPath, "vault-path", "p", "", "path to vault storage")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (file, s3)")
	rootCmd.PersistentFlags().Int("key-bits", 0, "RSA modulus size for new key pairs")
	rootCmd.PersistentFlags().Bool("memory-lock", false, "lock process memory to keep secrets out of swap")

	bindFlagOrPanic("vault.path", "vault-path")
	bindFlagOrPanic("vault.store_type", "store-type")
	bindFlagOrPanic("vault.key_bits", "key-bits")
	bindFlagOrPanic("vault.memory_lock", "memory-lock")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", true, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "use SSL for S3 connections")

	bindFlagOrPanic("vault.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("vault.s3.region", "s3-region")
	bindFlagOrPanic("vault.s3.bucket", "s3-bucket")
	bindFlagOrPanic("vault.s3.prefix", "s3-prefix")
	bindFlagOrPanic("vault.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("vault.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("vault.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".keep")
	}

	// Environment variable support: KEEP_VAULT_PATH, KEEP_AUDIT_ENABLED, ...
	viper.SetEnvPrefix("KEEP")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - defaults and env vars apply
	}
}

func setDefaults() {
	viper.SetDefault("vault.path", "")
	viper.SetDefault("vault.store_type", "file")
	viper.SetDefault("vault.key_bits", keep.DefaultKeyBits)
	viper.SetDefault("vault.memory_lock", false)

	// S3 defaults
	viper.SetDefault("vault.s3.region", "us-east-1")
	viper.SetDefault("vault.s3.prefix", "keep/")
	viper.SetDefault("vault.s3.use_ssl", true)

	// Audit defaults: a JSONL file inside the vault directory
	viper.SetDefault("audit.enabled", true)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.file_path", "")
}

// skipsManager reports whether a command operates on CLI configuration only
// and must not open the vault.
func skipsManager(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "completion", "__complete", "version":
		return true
	}
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "config" {
			return true
		}
	}
	return false
}

func initializeManager(cmd *cobra.Command, args []string) error {
	if skipsManager(cmd) {
		return nil
	}

	vaultPath = viper.GetString("vault.path")
	if vaultPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		vaultPath = filepath.Join(home, ".keep")
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: uuid.New().String(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	store, err := createStore(viper.GetString("vault.store_type"))
	if err != nil {
		return err
	}

	auditLogger, err = createAuditLogger()
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	options := keep.Options{
		BasePath:         vaultPath,
		KeyBits:          viper.GetInt("vault.key_bits"),
		EnvPassphraseVar: envPassphraseVar,
		EnableMemoryLock: viper.GetBool("vault.memory_lock"),
		UserID:           cliContext.UserID,
	}

	manager, err = keep.NewWithStore(options, store, auditLogger)
	if err != nil {
		_ = auditLogger.Close()
		_ = store.Close()
		return fmt.Errorf("failed to open vault: %w", err)
	}

	return nil
}

func createStore(storeType string) (persist.Store, error) {
	caps := persist.DetectCapabilities()

	switch strings.ToLower(storeType) {
	case "", "file", "filesystem":
		return persist.NewFileSystemStore(vaultPath, caps)

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("vault.s3.endpoint"),
			AccessKeyID:     viper.GetString("vault.s3.access_key_id"),
			SecretAccessKey: viper.GetString("vault.s3.secret_access_key"),
			Bucket:          viper.GetString("vault.s3.bucket"),
			KeyPrefix:       viper.GetString("vault.s3.prefix"),
			UseSSL:          viper.GetBool("vault.s3.use_ssl"),
			Region:          viper.GetString("vault.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3Store(s3Config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: file, s3", storeType)
	}
}

func createAuditLogger() (audit.Logger, error) {
	filePath := viper.GetString("audit.options.file_path")
	if filePath == "" {
		filePath = filepath.Join(vaultPath, "audit.log")
	}

	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": filePath,
			"max_size":  viper.GetInt("audit.options.max_size"),
		},
	})
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "vault.s3.bucket")
	}
	if config.Region == "" {
		missing = append(missing, "vault.s3.region")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "vault.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "vault.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

// getCurrentUser retrieves the username of the currently logged-in user.
// It returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		// Restricted environments (scratch containers without /etc/passwd)
		// cannot resolve the user database; fall back to the environment.
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

// getHostname retrieves the hostname of the machine. It returns
// "unknown_host" if the hostname cannot be determined.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown_host"
	}
	return hostname
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	if auditLogger == nil {
		return now
	}
	err := auditLogger.Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(args),
		"flags":      sanitizeFlags(cmd),
		"user":       cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		log.Printf("ERROR: %v\n", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil {
		_ = auditLogger.Log("command_complete", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"error":       errString(err),
			"user":        cliContext.UserID,
			"session_id":  cliContext.SessionID,
		})
	}
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// sanitizeFlags redacts values of sensitive flags before they reach the
// audit trail.
func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

func sanitizeArgs(args []string) []string {
	// Arguments are secret names, paths and queries; values never travel
	// as arguments, so names pass through unredacted.
	sanitized := make([]string, len(args))
	copy(sanitized, args)
	return sanitized
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "token", "access-key"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
