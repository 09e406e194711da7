// Command imt bulk-remaps engineering-model identifiers from a source
// SQLite database into a target one, rewriting every internal reference
// so the copied rows stay consistent in their new identity space.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/imodel-transformer/internal/utils"
	"github.com/steveyegge/imodel-transformer/internal/xfconfig"
	"github.com/steveyegge/imodel-transformer/internal/xform"
)

var transformLog transformLogger

var rootCmd = &cobra.Command{
	Use:   "imt",
	Short: "imt - bulk identity-remapping transformer for engineering-model databases",
	Long:  `Copies elements, models, aspects, and relationships from a source database into a target one, rewriting every internal identifier so references stay consistent (spec.md's RemapContext/Orchestrator).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := xfconfig.Initialize(); err != nil {
			return err
		}
		applyPersistentFlags(cmd)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("source", "", "path to the source database (read-only)")
	pf.String("target", "", "path to the target database (read-write, locked for the duration)")
	pf.String("state", "", "path to a state file for checkpoint/resume (optional)")
	pf.String("log-file", "", "path to a rotating transform log (optional; IMT_LOG_* env vars tune rotation)")
	pf.String("target-scope-element-id", "", "identity marker recorded on the target to detect a clashing repeat transform (hex like 0x20000000002, or decimal); default is the root subject")
	pf.Bool("include-source-provenance", false, "copy the source's ExternalSourceAspect (provenance) rows to the target")
	pf.Bool("preserve-element-ids-for-filtering", false, "allocate target element ids identical to source ids (only safe against an empty target)")
	pf.String("dangling-references", "reject", "how to handle references that don't resolve in the target: reject|ignore")
	pf.Bool("source-copied-to-target", false, "set when source and target began as the same database (restores FederationGuid)")

	rootCmd.AddCommand(transformCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stateCmd)
}

// applyPersistentFlags layers explicitly-set flags over xfconfig's
// file/env-derived defaults, mirroring internal/config's BindPFlag
// convention (commented out there; done directly here since xfconfig has
// no cobra dependency of its own).
func applyPersistentFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	for _, name := range []string{
		"source", "target", "state", "log-file", "target-scope-element-id",
		"dangling-references",
	} {
		if flags.Changed(name) {
			v, _ := flags.GetString(name)
			xfconfig.Set(name, v)
		}
	}
	for _, name := range []string{
		"include-source-provenance", "preserve-element-ids-for-filtering", "source-copied-to-target",
	} {
		if flags.Changed(name) {
			v, _ := flags.GetBool(name)
			xfconfig.Set(name, v)
		}
	}
}

// optionsFromConfig builds xform.Options from the layered xfconfig
// settings (spec.md §6's five named knobs).
func optionsFromConfig() xform.Options {
	opts := xform.Options{
		TargetScopeElementId:          xform.Id(xfconfig.GetUint64("target-scope-element-id")),
		IncludeSourceProvenance:       xfconfig.GetBool("include-source-provenance"),
		PreserveElementIdsForFiltering: xfconfig.GetBool("preserve-element-ids-for-filtering"),
		WasSourceIModelCopiedToTarget: xfconfig.GetBool("source-copied-to-target"),
	}
	if xfconfig.GetString("dangling-references") == "ignore" {
		opts.DanglingReferencesBehavior = xform.DanglingIgnore
	} else {
		opts.DanglingReferencesBehavior = xform.DanglingReject
	}
	return opts
}

// setupLogIfConfigured wires a rotating transform log when --log-file (or
// IMT_LOG_FILE) is set; otherwise logging stays limited to stderr.
func setupLogIfConfigured() func() {
	logPath := xfconfig.GetString("log-file")
	if logPath == "" {
		transformLog = transformLogger{logFunc: func(string, ...interface{}) {}}
		return func() {}
	}
	logF, logger := setupTransformLogger(logPath)
	transformLog = logger
	return func() { _ = logF.Close() }
}

var transformCmd = &cobra.Command{
	Use:   "transform",
	Short: "run a full transform from --source into --target",
	RunE: func(cmd *cobra.Command, args []string) error {
		closeLog := setupLogIfConfigured()
		defer closeLog()
		return runTransform(cmd.Context(), nil)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "resume a transform interrupted mid-run, using a saved --state file",
	RunE: func(cmd *cobra.Command, args []string) error {
		closeLog := setupLogIfConfigured()
		defer closeLog()

		statePath := xfconfig.GetString("state")
		if statePath == "" {
			return fmt.Errorf("resume requires --state (or IMT_STATE)")
		}
		statePath = utils.CanonicalizePath(statePath)

		sourcePath := utils.CanonicalizePath(xfconfig.GetString("source"))
		source, err := xform.OpenSource(sourcePath)
		if err != nil {
			return err
		}
		defer source.Close()

		stateDB, err := xform.OpenState(statePath)
		if err != nil {
			return err
		}
		defer stateDB.Close()

		remap, err := xform.LoadState(cmd.Context(), source, stateDB)
		if err != nil {
			return fmt.Errorf("loading state file %s: %w", statePath, err)
		}
		source.Close()

		transformLog.log("resuming transform from state file %s (%s)", statePath, remap)
		return runTransform(cmd.Context(), remap)
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "inspect a saved state file",
}

var stateInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "print the remap counts recorded in a state file",
	RunE: func(cmd *cobra.Command, args []string) error {
		statePath := xfconfig.GetString("state")
		if statePath == "" {
			return fmt.Errorf("state inspect requires --state (or IMT_STATE)")
		}
		statePath = utils.CanonicalizePath(statePath)
		sourcePath := utils.CanonicalizePath(xfconfig.GetString("source"))
		source, err := xform.OpenSource(sourcePath)
		if err != nil {
			return err
		}
		defer source.Close()

		stateDB, err := xform.OpenState(statePath)
		if err != nil {
			return err
		}
		defer stateDB.Close()

		remap, err := xform.LoadState(cmd.Context(), source, stateDB)
		if err != nil {
			return fmt.Errorf("loading state file %s: %w", statePath, err)
		}
		fmt.Println(remap)
		return nil
	},
}

func init() {
	stateCmd.AddCommand(stateInspectCmd)
}

// runTransform performs one Orchestrator.Run, optionally seeded by a
// resumed RemapContext, printing a summary and checkpointing state
// (spec.md §3 "Lifecycle") regardless of whether it finished cleanly.
func runTransform(ctx context.Context, resume *xform.RemapContext) error {
	sourcePath := xfconfig.GetString("source")
	targetPath := xfconfig.GetString("target")
	if sourcePath == "" || targetPath == "" {
		return fmt.Errorf("transform requires --source and --target")
	}
	sourcePath = utils.CanonicalizePath(sourcePath)
	targetPath = utils.CanonicalizePath(targetPath)

	lock, err := xform.AcquireTargetLock(targetPath)
	if err != nil {
		return fmt.Errorf("acquiring target lock: %w", err)
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", rerr)
		}
	}()

	source, err := xform.OpenSource(sourcePath)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := xform.OpenTarget(targetPath)
	if err != nil {
		return err
	}
	defer target.Close()

	if err := xform.AttachSource(ctx, target, sourcePath); err != nil {
		return err
	}

	orch := xform.NewOrchestrator(source, target, optionsFromConfig())
	orch.Resume = resume

	result, runErr := orch.Run(ctx)

	if statePath := xfconfig.GetString("state"); statePath != "" {
		if serr := checkpoint(ctx, statePath, orch.RemapContext()); serr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to checkpoint state: %v\n", serr)
		}
	}

	// The target connection must drop its attached schema and any
	// prepared statements referencing it before close/detach, matching
	// internal/xform/db.go's DetachSource contract.
	if derr := xform.DetachSource(ctx, target); derr != nil && runErr == nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", derr)
	}

	printResult(result, runErr)

	if runErr != nil {
		return runErr
	}
	return nil
}

func checkpoint(ctx context.Context, statePath string, remap *xform.RemapContext) error {
	stateDB, err := xform.OpenState(statePath)
	if err != nil {
		return err
	}
	defer stateDB.Close()
	return remap.SaveState(ctx, stateDB)
}

// printResult renders a Result the way cmd/bd renders command output:
// colored glyphs for success/warning, humanized counts.
func printResult(result xform.Result, runErr error) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "%s transform failed: %v\n", red("✗"), runErr)
	} else {
		fmt.Printf("%s transform complete\n", green("✓"))
	}

	fmt.Printf("  elements:      %s\n", humanize.Comma(int64(result.ElementsCloned)))
	fmt.Printf("  models:        %s\n", humanize.Comma(int64(result.ModelsCloned)))
	fmt.Printf("  aspects:       %s\n", humanize.Comma(int64(result.AspectsCloned)))
	fmt.Printf("  relationships: %s\n", humanize.Comma(int64(result.RelationshipsCloned)))
	fmt.Printf("  codespecs:     %s\n", humanize.Comma(int64(result.CodeSpecsImported)))

	if len(result.DanglingReferences) > 0 {
		fmt.Printf("%s %s dangling reference(s) ignored:\n", yellow("!"), humanize.Comma(int64(len(result.DanglingReferences))))
		for _, tag := range result.DanglingReferences {
			fmt.Printf("    %s\n", tag)
		}
	}
	if len(result.SkippedProperties) > 0 {
		fmt.Printf("%s %s property(ies) skipped (unsupported kind):\n", yellow("!"), humanize.Comma(int64(len(result.SkippedProperties))))
		for _, p := range result.SkippedProperties {
			fmt.Printf("    %s\n", p)
		}
	}
	if len(result.RepositoryScopedCodes) > 0 {
		fmt.Printf("%s %s repository-scoped code(s) kept their source scope id across databases:\n",
			yellow("!"), humanize.Comma(int64(len(result.RepositoryScopedCodes))))
		for _, tag := range result.RepositoryScopedCodes {
			fmt.Printf("    %s\n", tag)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
