package roles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Task is one action of a role, after include and block flattening.
type Task struct {
	// Name is the optional task name.
	Name string

	// Module is the module the task invokes, e.g. copy or ansible.builtin.copy.
	Module string

	// Args are the module arguments. Free-form k=v strings are parsed.
	Args map[string]interface{}

	// File is the task file the action was read from.
	File string
}

// CopyModules are the modules that transfer files from the controller into the
// image. Their src arguments are part of a role's content.
var CopyModules = map[string]bool{
	"copy":                      true,
	"ansible.builtin.copy":      true,
	"ansible.legacy.copy":       true,
	"synchronize":               true,
	"ansible.posix.synchronize": true,
}

// IsCopy reports whether the task transfers files into the image.
func (t Task) IsCopy() bool {
	return CopyModules[t.Module]
}

// Source returns the src argument of the task.
func (t Task) Source() (string, bool) {
	src, ok := t.Args["src"].(string)
	return src, ok && src != ""
}

// taskKeywords are keys of a task that are not the module.
var taskKeywords = map[string]bool{
	"name": true, "when": true, "register": true, "tags": true, "notify": true,
	"vars": true, "args": true, "become": true, "become_user": true, "become_method": true,
	"loop": true, "loop_control": true, "ignore_errors": true, "changed_when": true,
	"failed_when": true, "delegate_to": true, "delegate_facts": true, "environment": true,
	"no_log": true, "until": true, "retries": true, "delay": true, "check_mode": true,
	"run_once": true, "listen": true, "local_action": true, "any_errors_fatal": true,
	"diff": true, "timeout": true, "throttle": true, "debugger": true, "collections": true,
	"module_defaults": true, "connection": true, "async": true, "poll": true,
}

var includeModules = map[string]bool{
	"include_tasks":                 true,
	"import_tasks":                  true,
	"include":                       true,
	"ansible.builtin.include_tasks": true,
	"ansible.builtin.import_tasks":  true,
}

// maxIncludeDepth bounds include recursion so include loops terminate.
const maxIncludeDepth = 32

// LoadTasks reads tasks/main.yml of a role and flattens includes and blocks.
// A role without tasks yields an empty list.
func LoadTasks(rolePath string) ([]Task, error) {
	tasksDir := filepath.Join(rolePath, "tasks")
	for _, name := range []string{"main.yml", "main.yaml"} {
		path := filepath.Join(tasksDir, name)
		if _, err := os.Stat(path); err == nil {
			return loadTaskFile(tasksDir, path, 0)
		}
	}
	return []Task{}, nil
}

func loadTaskFile(tasksDir, path string, depth int) ([]Task, error) {
	if depth > maxIncludeDepth {
		return nil, fmt.Errorf("task includes nested deeper than %d at %s", maxIncludeDepth, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var raw []map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}

	return flatten(tasksDir, path, raw, depth)
}

func flatten(tasksDir, file string, raw []map[string]interface{}, depth int) ([]Task, error) {
	tasks := make([]Task, 0, len(raw))
	for _, entry := range raw {
		if entry == nil {
			continue
		}

		// Blocks
		if _, ok := entry["block"]; ok {
			for _, section := range []string{"block", "rescue", "always"} {
				nested, err := taskList(entry[section])
				if err != nil {
					return nil, fmt.Errorf("%s in %s: %w", section, file, err)
				}
				flat, err := flatten(tasksDir, file, nested, depth)
				if err != nil {
					return nil, err
				}
				tasks = append(tasks, flat...)
			}
			continue
		}

		task, err := parseTask(entry)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		task.File = file

		if includeModules[task.Module] {
			target := includeTarget(task)
			if target == "" || strings.Contains(target, "{{") {
				// Templated includes can only be resolved by the runner.
				tasks = append(tasks, task)
				continue
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(tasksDir, target)
			}
			included, err := loadTaskFile(tasksDir, target, depth+1)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, included...)
			continue
		}

		tasks = append(tasks, task)
	}
	return tasks, nil
}

func taskList(v interface{}) ([]map[string]interface{}, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list of tasks, got %T", v)
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected a task mapping, got %T", item)
		}
		out = append(out, m)
	}
	return out, nil
}

// parseTask detects the module of a task and normalizes its arguments.
func parseTask(entry map[string]interface{}) (Task, error) {
	task := Task{Args: make(map[string]interface{})}
	if name, ok := entry["name"].(string); ok {
		task.Name = name
	}

	candidates := make([]string, 0, 1)
	for key := range entry {
		if !taskKeywords[key] && !strings.HasPrefix(key, "with_") {
			candidates = append(candidates, key)
		}
	}
	sort.Strings(candidates)

	switch len(candidates) {
	case 0:
		if action, ok := entry["local_action"]; ok {
			return parseAction(task, action)
		}
		return task, fmt.Errorf("task %q has no module", task.Name)
	case 1:
	default:
		return task, fmt.Errorf("task %q names more than one module: %s", task.Name, strings.Join(candidates, ", "))
	}

	task.Module = candidates[0]
	if err := mergeArgs(task.Args, entry[task.Module]); err != nil {
		return task, fmt.Errorf("task %q: %w", task.Name, err)
	}
	if extra, ok := entry["args"].(map[string]interface{}); ok {
		for k, v := range extra {
			task.Args[k] = v
		}
	}
	return task, nil
}

// parseAction handles local_action, where the module is the first word or the
// module key of a mapping.
func parseAction(task Task, action interface{}) (Task, error) {
	switch v := action.(type) {
	case string:
		module, rest, _ := strings.Cut(strings.TrimSpace(v), " ")
		task.Module = module
		for k, val := range ParseArgs(rest) {
			task.Args[k] = val
		}
	case map[string]interface{}:
		module, _ := v["module"].(string)
		task.Module = module
		for k, val := range v {
			if k != "module" {
				task.Args[k] = val
			}
		}
	default:
		return task, fmt.Errorf("task %q: unsupported local_action %T", task.Name, action)
	}
	return task, nil
}

func mergeArgs(dst map[string]interface{}, v interface{}) error {
	switch args := v.(type) {
	case nil:
	case map[string]interface{}:
		for k, val := range args {
			dst[k] = val
		}
	case string:
		for k, val := range ParseArgs(args) {
			dst[k] = val
		}
	default:
		return fmt.Errorf("unsupported module arguments %T", v)
	}
	return nil
}

func includeTarget(task Task) string {
	if file, ok := task.Args["file"].(string); ok {
		return file
	}
	if raw, ok := task.Args["_raw_params"].(string); ok {
		return raw
	}
	return ""
}

// ParseArgs parses free-form `k=v k2="quoted value"` module arguments.
// Words without '=' are joined into _raw_params.
func ParseArgs(s string) map[string]interface{} {
	out := make(map[string]interface{})
	raw := make([]string, 0)
	for _, word := range splitWords(s) {
		k, v, ok := strings.Cut(word, "=")
		if !ok || k == "" || strings.ContainsAny(k, " \"'") {
			raw = append(raw, unquote(word))
			continue
		}
		out[k] = unquote(v)
	}
	if len(raw) > 0 {
		out["_raw_params"] = strings.Join(raw, " ")
	}
	return out
}

// splitWords splits on whitespace outside quotes.
func splitWords(s string) []string {
	words := make([]string, 0)
	var cur strings.Builder
	var quote rune
	for _, c := range s {
		switch {
		case quote != 0:
			cur.WriteRune(c)
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
			cur.WriteRune(c)
		case c == ' ' || c == '\t' || c == '\n':
			if cur.Len() > 0 {
				words = append(words, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(c)
		}
	}
	if cur.Len() > 0 {
		words = append(words, cur.String())
	}
	return words
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}
