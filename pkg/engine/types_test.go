package engine

import (
	"encoding/json"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

const testProjectYAML = `
services:
  web:
    from: alpine:3.15
    roles:
      - common
      - role: nginx
        port: 8080
    command: nginx -g 'daemon off;'
    environment:
      - MODE=prod
      - EMPTY
    privileged: true
  db:
    from: postgres:15
    entrypoint: [docker-entrypoint.sh]
    environment:
      POSTGRES_DB: app
      PORT: 5432
`

func TestConfig_UnmarshalYAML(t *testing.T) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(testProjectYAML), &cfg); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if names := cfg.Services.Names(); !reflect.DeepEqual(names, []string{"web", "db"}) {
		t.Errorf("Expected declaration order, got %v", names)
	}

	web := cfg.Service("web")
	if web == nil {
		t.Fatal("Expected web service")
	}
	if len(web.Roles) != 2 || web.Roles[0].Name != "common" || web.Roles[1].Name != "nginx" {
		t.Errorf("Unexpected roles: %+v", web.Roles)
	}
	if web.Roles[1].Params["port"] != 8080 {
		t.Errorf("Expected role parameter, got %+v", web.Roles[1].Params)
	}
	if !reflect.DeepEqual([]string(web.Command), []string{"/bin/sh", "-c", "nginx -g 'daemon off;'"}) {
		t.Errorf("Expected shell form command, got %v", web.Command)
	}
	if web.Environment["MODE"] != "prod" || web.Environment["EMPTY"] != "" {
		t.Errorf("Unexpected environment: %v", web.Environment)
	}
	if web.Extra["privileged"] != true {
		t.Errorf("Expected unknown keys in Extra, got %v", web.Extra)
	}

	db := cfg.Service("db")
	if db.Environment["PORT"] != "5432" {
		t.Errorf("Expected scalar env values stringified, got %v", db.Environment)
	}
	if len(db.Extra) != 0 {
		t.Errorf("Expected no extra keys for db, got %v", db.Extra)
	}
}

func TestServices_JSONPreservesOrderAndExtra(t *testing.T) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(testProjectYAML), &cfg); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	data, err := json.Marshal(&cfg)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var decoded Config
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if names := decoded.Services.Names(); !reflect.DeepEqual(names, []string{"web", "db"}) {
		t.Errorf("Expected declaration order after decoding, got %v", names)
	}
	web := decoded.Service("web")
	if web.Extra["privileged"] != true {
		t.Errorf("Expected extra keys to survive the wire, got %v", web.Extra)
	}
	if web.Roles[1].Params["port"] != float64(8080) {
		t.Errorf("Expected role params to survive the wire, got %v", web.Roles[1].Params)
	}
}

func TestRoleRef_MarshalJSON_Canonical(t *testing.T) {
	bare, err := json.Marshal(RoleRef{Name: "common"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(bare) != `"common"` {
		t.Errorf("Expected bare name, got %s", bare)
	}

	ref := RoleRef{Name: "nginx", Params: map[string]interface{}{"z": 1, "a": "x"}}
	data, err := json.Marshal(ref)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(data) != `{"a":"x","role":"nginx","z":1}` {
		t.Errorf("Expected sorted canonical form, got %s", data)
	}
}

func TestRoleRef_UnmarshalYAML_RequiresName(t *testing.T) {
	var ref RoleRef
	if err := yaml.Unmarshal([]byte(`{port: 80}`), &ref); err == nil {
		t.Fatal("Expected error for mapping without role key")
	}
}

func TestEnvironment_List(t *testing.T) {
	env := Environment{"B": "2", "A": "1"}
	if got := env.List(); !reflect.DeepEqual(got, []string{"A=1", "B=2"}) {
		t.Errorf("Expected sorted list, got %v", got)
	}
}

func TestLayerContainerName(t *testing.T) {
	got := LayerContainerName("demo", "web", "0123456789abcdef", "acme.web/nginx")
	if got != "demo_web_01234567_acme.web_nginx" {
		t.Errorf("Unexpected name: %s", got)
	}
	if got := LayerContainerName("demo", "web", "abc", "r1"); got != "demo_web_abc_r1" {
		t.Errorf("Unexpected name for short fingerprint: %s", got)
	}
	if got := ServiceContainerName("demo", "web"); got != "demo_web" {
		t.Errorf("Unexpected service container name: %s", got)
	}
}

func TestConfig_PushTarget(t *testing.T) {
	cfg := &Config{Registries: map[string]Registry{
		"corp": {URL: "https://registry.corp.io", Namespace: "team"},
	}}

	tests := []struct {
		name    string
		target  string
		url     string
		want    Registry
		wantErr bool
	}{
		{"named registry", "corp", "https://ignored.io", Registry{URL: "https://registry.corp.io", Namespace: "team"}, false},
		{"url target", "localhost:5000", "", Registry{URL: "localhost:5000"}, false},
		{"url flag", "", "https://quay.io", Registry{URL: "https://quay.io"}, false},
		{"default registry", "", "", Registry{}, false},
		{"unknown name", "staging", "", Registry{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.PushTarget(tt.target, tt.url)
			if tt.wantErr {
				if !IsKind(err, ErrCodeConfigInvalid) {
					t.Fatalf("Expected ConfigInvalid, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("PushTarget failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}
