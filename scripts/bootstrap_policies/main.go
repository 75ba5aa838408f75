// Command bootstrap_policies validates policy modules and emits a manifest.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/solmir/rondo/internal/policy/policyjs"
)

type manifestEntry struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	File        string `json:"file"`
	Hash        string `json:"hash"`
	Size        int64  `json:"size"`
}

func main() {
	root := flag.String("root", "policies", "Path to the policies directory")
	check := flag.Bool("check", false, "Instantiate each module and verify the apply export is callable")
	flag.Parse()

	loader, err := policyjs.NewLoader(*root)
	if err != nil {
		fatal(err)
	}
	if err := loader.Refresh(context.Background()); err != nil {
		fatal(err)
	}

	summaries := loader.List()
	if len(summaries) == 0 {
		fatal(fmt.Errorf("no JavaScript policies found under %s", loader.Root()))
	}

	entries := make([]manifestEntry, 0, len(summaries))
	for _, summary := range summaries {
		module, err := loader.Get(summary.Name)
		if err != nil {
			fatal(err)
		}
		if *check {
			if err := verifyApply(module); err != nil {
				fatal(fmt.Errorf("check %s: %w", module.Name, err))
			}
		}
		entries = append(entries, manifestEntry{
			Name:        module.Name,
			Description: module.Metadata.Description,
			File:        module.Filename,
			Hash:        "sha256:" + module.Hash,
			Size:        module.Size,
		})
	}

	if err := writeManifest(loader.Root(), entries); err != nil {
		fatal(err)
	}
	fmt.Printf("manifest.json generated for %d policies under %s\n", len(entries), loader.Root())
	if *check {
		fmt.Println("all apply exports verified callable")
	}
}

// verifyApply instantiates the module and confirms apply is exported as a
// function, without invoking it.
func verifyApply(module *policyjs.Module) error {
	instance, err := policyjs.NewInstance(module)
	if err != nil {
		return err
	}
	defer instance.Close()
	_, err = instance.Execute(func(_ *goja.Runtime, exports *goja.Object) (goja.Value, error) {
		raw := exports.Get("apply")
		if _, ok := goja.AssertFunction(raw); !ok {
			return nil, policyjs.ErrFunctionMissing
		}
		return goja.Undefined(), nil
	})
	return err
}

func writeManifest(root string, entries []manifestEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	tmp := filepath.Join(root, "manifest.json.tmp")
	target := filepath.Join(root, "manifest.json")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp manifest %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename manifest %s: %w", target, err)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
	os.Exit(1)
}
