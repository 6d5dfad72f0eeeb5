package template

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() map[string]interface{} {
	return map[string]interface{}{
		"name":  "world",
		"port":  80,
		"empty": "",
		"items": []interface{}{"b", "a", "b"},
		"svc": map[string]interface{}{
			"port":  8080,
			"image": "nginx",
		},
	}
}

func TestRender(t *testing.T) {
	j := NewJinja(Options{})

	tests := []struct {
		name     string
		text     string
		expected string
	}{
		{"plain", "no placeholders", "no placeholders"},
		{"variable", "hello {{ name }}", "hello world"},
		{"arithmetic", "{{ port + 1 }}", "81"},
		{"attribute", "{{ svc.image }}:{{ svc.port }}", "nginx:8080"},
		{"index", "{{ svc['image'] }}", "nginx"},
		{"literal", "{{ 'x' }}", "x"},
		{"default undefined", "{{ missing | default('fallback') }}", "fallback"},
		{"default missing attribute", "{{ svc.tag | d('latest') }}", "latest"},
		{"default defined", "{{ name | default('fallback') }}", "world"},
		{"default falsy", "{{ empty | default('x', true) }}", "x"},
		{"chain", "{{ name | upper | replace('W', 'V') }}", "VORLD"},
		{"join", "{{ items | unique | sort | join(',') }}", "a,b"},
		{"length", "{{ items | length }}", "3"},
		{"is defined", "{{ name is defined }}", "True"},
		{"is not defined", "{{ missing is not defined }}", "True"},
		{"is undefined", "{{ svc.port is undefined }}", "False"},
		{"list renders as json", "{{ items | first }}{{ items }}", `b["b","a","b"]`},
		{"to_json", "{{ svc | to_json }}", `{"image":"nginx","port":8080}`},
		{"regex_replace", `{{ 'abc-123' | regex_replace('([a-z]+)-([0-9]+)', '\\2') }}`, "123"},
		{"int", "{{ '42' | int }}", "42"},
		{"bool", "{{ 'yes' | bool }}", "True"},
		{"quote", "{{ \"it's\" | quote }}", `'it'"'"'s'`},
		{"b64", "{{ 'hi' | b64encode | b64decode }}", "hi"},
		{"basename", "{{ '/srv/app/main.py' | basename }}", "main.py"},
		{"braces in string", "{{ '}}' }}", "}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := j.Render(tt.text, testScope())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestRender_Errors(t *testing.T) {
	j := NewJinja(Options{})

	tests := []struct {
		name string
		text string
	}{
		{"undefined", "{{ missing }}"},
		{"statement", "{% if name %}x{% endif %}"},
		{"unterminated", "{{ name "},
		{"empty", "{{ }}"},
		{"unknown filter", "{{ name | shout }}"},
		{"mandatory", "{{ missing | default(none) | mandatory }}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := j.Render(tt.text, testScope())
			require.Error(t, err)

			var terr *Error
			assert.True(t, errors.As(err, &terr), "expected *Error, got %T", err)
		})
	}
}

func TestLookup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token"), []byte("s3cret\n"), 0o600))

	j := NewJinja(Options{
		BaseDir: dir,
		Environ: func(key string) (string, bool) {
			if key == "DB_HOST" {
				return "db.local", true
			}
			return "", false
		},
	})

	out, err := j.Render("{{ lookup('env', 'DB_HOST') }}", nil)
	require.NoError(t, err)
	assert.Equal(t, "db.local", out)

	out, err = j.Render("{{ lookup('env', 'NOPE', 'dflt') }}", nil)
	require.NoError(t, err)
	assert.Equal(t, "dflt", out)

	out, err = j.Render("{{ lookup('file', 'token') }}", nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", out)

	_, err = j.Render("{{ lookup('vault', 'x') }}", nil)
	assert.Error(t, err)
}

func TestDeferLookups(t *testing.T) {
	j := NewJinja(Options{DeferLookups: true})

	out, err := j.Render("host={{ lookup('env', 'DB_HOST') }} name={{ name }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "host={{ lookup('env', 'DB_HOST') }} name=world", out)

	v, err := RenderValue(j, "{{ lookup('env', 'DB_HOST') }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "{{ lookup('env', 'DB_HOST') }}", v)
}

func TestEvaluate(t *testing.T) {
	j := NewJinja(Options{})

	v, err := j.Evaluate("port", testScope())
	require.NoError(t, err)
	assert.Equal(t, 80, v)

	v, err = j.Evaluate("svc", testScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"port": 8080, "image": "nginx"}, v)
}

func TestRenderValue(t *testing.T) {
	j := NewJinja(Options{})

	in := map[string]interface{}{
		"port":   "{{ port }}",
		"items":  "{{ items | unique }}",
		"banner": "hello {{ name }}",
		"nested": []interface{}{"{{ svc.image }}", 5},
		"plain":  true,
	}

	out, err := RenderValue(j, in, testScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"port":   80,
		"items":  []interface{}{"b", "a"},
		"banner": "hello world",
		"nested": []interface{}{"nginx", 5},
		"plain":  true,
	}, out)
}

func TestIsTemplated(t *testing.T) {
	assert.True(t, IsTemplated("a {{ b }}"))
	assert.False(t, IsTemplated("a b"))
}

func TestSplitPipeline(t *testing.T) {
	assert.Equal(t, []string{"a ", " default('x|y') ", " upper"}, splitPipeline("a | default('x|y') | upper"))
	assert.Equal(t, []string{"f(a|b)"}, splitPipeline("f(a|b)"))
}
