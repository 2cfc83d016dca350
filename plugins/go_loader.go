package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"
)

const (
	goDefinitionFuncName = "Profiles"
	goEvalTimeout        = 5 * time.Second
)

// goAllowedPackages are the standard library packages a scripted profile may
// import. Profiles describe data; they have no business touching the network
// or the filesystem.
var goAllowedPackages = []string{"fmt", "regexp", "sort", "strconv", "strings", "unicode"}

// LoadGoDefinitionDir interprets every .go file in dir and collects the
// definitions returned by its Profiles() ([]map[string]any, error) function.
func LoadGoDefinitionDir(dir string) ([]DefinitionFile, error) {
	paths, err := listFiles(dir, isGoFile)
	if err != nil {
		return nil, err
	}
	var (
		defs []DefinitionFile
		errs []error
	)
	for _, path := range paths {
		ctx, cancel := context.WithTimeout(context.Background(), goEvalTimeout)
		fileDefs, err := loadGoDefinitionFile(ctx, path)
		cancel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, fileDefs...)
	}
	return defs, errors.Join(errs...)
}

func loadGoDefinitionFile(ctx context.Context, path string) ([]DefinitionFile, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if strings.TrimSpace(string(code)) == "" {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(sandboxSymbols()); err != nil {
		return nil, fmt.Errorf("plugin: load symbols: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, string(code)); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	fn, err := i.EvalWithContext(ctx, goDefinitionFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s must define %s() ([]map[string]any, error): %w", path, goDefinitionFuncName, err)
	}
	raw, err := callProfiles(fn)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	files := make([]DefinitionFile, 0, len(raw))
	for idx, entry := range raw {
		// Round-trip through YAML so scripted and file profiles share one
		// decoder and one set of validation rules.
		payload, err := yaml.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s profile[%d]: %w", path, idx, err)
		}
		def, err := ParseDefinitionYAML(payload)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s profile[%d]: %w", path, idx, err)
		}
		files = append(files, DefinitionFile{Definition: def, Path: fmt.Sprintf("%s#%d", path, idx+1)})
	}
	return files, nil
}

func sandboxSymbols() interp.Exports {
	allowed := make(interp.Exports)
	for key, symbols := range stdlib.Symbols {
		// Keys look like "strings/strings".
		pkg := key
		if idx := strings.LastIndex(key, "/"); idx > 0 {
			pkg = key[:idx]
		}
		for _, name := range goAllowedPackages {
			if pkg == name {
				allowed[key] = symbols
			}
		}
	}
	return allowed
}

func callProfiles(fn reflect.Value) ([]map[string]any, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", goDefinitionFuncName)
	}
	results := fn.Call(nil)
	if len(results) != 2 {
		return nil, fmt.Errorf("%s must return ([]map[string]any, error)", goDefinitionFuncName)
	}
	if errValue := results[1]; !errValue.IsNil() {
		if err, ok := errValue.Interface().(error); ok {
			return nil, err
		}
		return nil, fmt.Errorf("%s returned a non-error second value", goDefinitionFuncName)
	}
	list := results[0]
	if direct, ok := list.Interface().([]map[string]any); ok {
		return direct, nil
	}
	if list.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%s must return a slice", goDefinitionFuncName)
	}
	out := make([]map[string]any, list.Len())
	for idx := 0; idx < list.Len(); idx++ {
		entry, ok := list.Index(idx).Interface().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s()[%d] is not map[string]any", goDefinitionFuncName, idx)
		}
		out[idx] = entry
	}
	return out, nil
}
