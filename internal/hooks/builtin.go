package hooks

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// BuiltinPrefix selects an embedded script instead of a file: "builtin:log"
const BuiltinPrefix = "builtin:"

//go:embed scripts/*.lua
var builtinScripts embed.FS

// BuiltinNames lists the embedded scripts
func BuiltinNames() []string {
	entries, _ := fs.ReadDir(builtinScripts, "scripts")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".lua"))
	}
	sort.Strings(names)
	return names
}

// Builtin returns the source of the embedded script name
func Builtin(name string) (string, error) {
	data, err := builtinScripts.ReadFile(path.Join("scripts", name+".lua"))
	if err != nil {
		return "", fmt.Errorf("unknown builtin script %q (available: %s)", name, strings.Join(BuiltinNames(), ", "))
	}
	return string(data), nil
}

// Load loads ref, which is either a file path or BuiltinPrefix followed by a builtin name
func (e *Engine) Load(ref string) error {
	name, ok := strings.CutPrefix(ref, BuiltinPrefix)
	if !ok {
		return e.LoadScriptFile(ref)
	}
	script, err := Builtin(name)
	if err != nil {
		return err
	}
	return e.LoadScript(script, ref)
}
