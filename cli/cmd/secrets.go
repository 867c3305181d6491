package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"southwinds.dev/keep"
)

var addCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Store a secret",
	Long: `Encrypt a value under the vault's public key and store it under name.
The value is never taken as a command argument: interactive sessions are
prompted with echo off, scripts pipe the value on stdin or use --file.`,
	Args: cobra.ExactArgs(1),
	RunE: runAdd,
}

var getCmd = &cobra.Command{
	Use:   "get [name]",
	Short: "Decrypt and print a secret",
	Long: `Decrypt the named secret and write the raw value to stdout with no
decoration, so it can be piped:

  export API_KEY="$(keep get API_KEY)"

Depending on custody this prompts for the passphrase or triggers an
authenticator ceremony.`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret names",
	RunE:  runList,
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search secret names",
	Long:  "Case-insensitive substring search over secret names; results are sorted.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var deleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var infoCmd = &cobra.Command{
	Use:   "info [name]",
	Short: "Show secret metadata without decrypting",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the encrypted secret collection",
	Long: `Write the encrypted secret collection as portable JSON. Values stay
encrypted; the export is only useful together with the vault's key pair.
With no file argument the JSON goes to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import an exported secret collection",
	Long: `Merge a previously exported collection into the vault. Existing names
are skipped unless --overwrite is given. Every name is validated before
anything is written, so one bad entry rejects the whole import. With no
file argument the JSON is read from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

var (
	addFile         string
	addOverwrite    bool
	listJSON        bool
	importOverwrite bool
	newlineAfterGet bool
)

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)

	addCmd.Flags().StringVarP(&addFile, "file", "f", "", "read the value from a file ('-' for stdin)")
	addCmd.Flags().BoolVar(&addOverwrite, "overwrite", false, "replace an existing secret of the same name")

	getCmd.Flags().BoolVarP(&newlineAfterGet, "newline", "n", false, "append a trailing newline to the value")

	listCmd.Flags().BoolVar(&listJSON, "json", false, "output in JSON format")
	searchCmd.Flags().BoolVar(&listJSON, "json", false, "output in JSON format")
	infoCmd.Flags().BoolVar(&listJSON, "json", false, "output in JSON format")

	importCmd.Flags().BoolVar(&importOverwrite, "overwrite", false, "replace existing secrets with imported ones")
}

func runAdd(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	name := args[0]

	value, err := readSecretValue(addFile)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if err = manager.AddSecret(name, value, addOverwrite); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to add secret: %w", err), started)
	}

	fmt.Fprintf(os.Stderr, "Secret '%s' stored.\n", name)
	return auditCmdComplete(cmd, nil, started)
}

func runGet(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	name := args[0]

	passphrase, err := unlockPassphrase()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	value, err := manager.GetSecret(name, passphrase)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to get secret: %w", err), started)
	}

	// Raw value only on stdout; anything else would corrupt pipelines.
	os.Stdout.Write(value)
	if newlineAfterGet {
		fmt.Println()
	}

	return auditCmdComplete(cmd, nil, started)
}

func runList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	names, err := manager.ListSecrets()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list secrets: %w", err), started)
	}

	return auditCmdComplete(cmd, printNames(names), started)
}

func runSearch(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	names, err := manager.SearchSecrets(args[0])
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to search secrets: %w", err), started)
	}

	return auditCmdComplete(cmd, printNames(names), started)
}

func printNames(names []string) error {
	if listJSON {
		return printJSON(names)
	}
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "No secrets.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	name := args[0]

	if err := manager.DeleteSecret(name); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to delete secret: %w", err), started)
	}

	fmt.Fprintf(os.Stderr, "Secret '%s' deleted.\n", name)
	return auditCmdComplete(cmd, nil, started)
}

func runInfo(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	info, err := manager.SecretInfo(args[0])
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to get secret info: %w", err), started)
	}

	if listJSON {
		return auditCmdComplete(cmd, printJSON(info), started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", info.Name)
	fmt.Fprintf(w, "Ciphertext:\t%d bytes\n", info.CiphertextSize)
	w.Flush()

	return auditCmdComplete(cmd, nil, started)
}

func runExport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	data, err := manager.ExportSecrets()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to export secrets: %w", err), started)
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to encode export: %w", err), started)
	}

	if len(args) == 0 {
		fmt.Println(string(encoded))
		return auditCmdComplete(cmd, nil, started)
	}

	if err = os.WriteFile(args[0], append(encoded, '\n'), 0600); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to write export file: %w", err), started)
	}
	fmt.Fprintf(os.Stderr, "Exported %d secrets to %s\n", data.Metadata.SecretCount, args[0])

	return auditCmdComplete(cmd, nil, started)
}

func runImport(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	var raw []byte
	var err error
	if len(args) == 0 {
		raw, err = readStdin()
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read import data: %w", err), started)
	}

	var data keep.ExportData
	if err = json.Unmarshal(raw, &data); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to parse import data: %w", err), started)
	}

	imported, skipped, err := manager.ImportSecrets(&data, importOverwrite)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to import secrets: %w", err), started)
	}

	fmt.Fprintf(os.Stderr, "Imported %d secrets, skipped %d.\n", imported, skipped)
	if skipped > 0 && !importOverwrite {
		fmt.Fprintln(os.Stderr, "Skipped names already exist; re-run with --overwrite to replace them.")
	}

	return auditCmdComplete(cmd, nil, started)
}
