package spec_test

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/matgreaves/stackup/spec"
)

func loadLocalAI(t *testing.T) spec.Stack {
	t.Helper()
	stack, err := spec.Load("../testdata/local-ai/compose.yaml", spec.LoadOptions{
		Env: map[string]string{"LETSENCRYPT_EMAIL": "ops@example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return stack
}

func TestLoadPreservesDeclarationOrder(t *testing.T) {
	is := is.New(t)
	stack := loadLocalAI(t)

	is.Equal(stack.Name, "local-ai")
	is.Equal(stack.Names(), []string{
		"qdrant", "caddy", "n8n-import", "n8n",
		"supabase-rest", "supabase-storage", "supabase-db",
	})
	for i, svc := range stack.Services {
		is.Equal(svc.Index, i)
	}
}

func TestLoadMergesAnchors(t *testing.T) {
	is := is.New(t)
	stack := loadLocalAI(t)

	imp, ok := stack.Lookup("n8n-import")
	is.True(ok)
	is.Equal(imp.Image, "n8nio/n8n:next")
	is.Equal(imp.Networks, []string{"local-ai"})
	is.Equal(imp.Environment["DB_POSTGRESDB_PASSWORD"], "secret")
	is.Equal(imp.Environment["N8N_ENCRYPTION_KEY"], "n8n-key") // bare key from .env
	is.Equal(imp.Entrypoint, []string{"/bin/sh"})
	is.Equal(imp.Command[0], "-c")
	is.Equal(imp.Restart.Policy, spec.RestartNo)

	n8n, _ := stack.Lookup("n8n")
	is.Equal(n8n.Restart.Policy, spec.RestartAlways)
	is.Equal(n8n.ContainerName, "n8n")
	is.Equal(len(n8n.DependsOn), 1)
	is.Equal(n8n.DependsOn[0].Condition, spec.ConditionCompletedSuccessfully)
}

func TestLoadHealthChecks(t *testing.T) {
	is := is.New(t)
	stack := loadLocalAI(t)

	n8n, _ := stack.Lookup("n8n")
	is.True(n8n.HealthCheck != nil)
	is.Equal(n8n.HealthCheck.Kind, spec.CheckCommand)
	is.Equal(n8n.HealthCheck.Command, []string{"curl", "-f", "http://localhost:5678"})
	is.Equal(n8n.HealthCheck.Interval.Duration, 10*time.Second)
	is.Equal(n8n.HealthCheck.Retries, 5)

	db, _ := stack.Lookup("supabase-db")
	is.Equal(db.HealthCheck.Command, []string{"/bin/sh", "-c", "pg_isready -U postgres -h localhost"})
	is.Equal(db.HealthCheck.StartPeriod.Duration, 5*time.Second)
	is.Equal(db.HealthCheck.Retries, 10)
	is.Equal(db.Ports, []string{"5432:5432"})
	is.Equal(db.Environment["POSTGRES_PORT"], "5432")

	rest, _ := stack.Lookup("supabase-rest")
	is.Equal(rest.HealthCheck, nil)
	is.Equal(rest.Environment["PGRST_DB_MAX_ROWS"], "1000")
	is.Equal(rest.Environment["PGRST_DB_USE_LEGACY_GUCS"], "false")
}

func TestLoadDependencyEdges(t *testing.T) {
	is := is.New(t)
	stack := loadLocalAI(t)

	storage, _ := stack.Lookup("supabase-storage")
	is.Equal(storage.DependsOn, []spec.Dependency{
		{Service: "supabase-db", Condition: spec.ConditionHealthy, Restart: true, Required: true},
		{Service: "supabase-rest", Condition: spec.ConditionStarted, Restart: true, Required: true},
	})
}

func TestLoadVolumesAndLogging(t *testing.T) {
	is := is.New(t)
	stack := loadLocalAI(t)

	caddy, _ := stack.Lookup("caddy")
	dir, err := filepath.Abs("../testdata/local-ai")
	is.NoErr(err)
	is.Equal(caddy.Volumes, []spec.VolumeMount{
		{Source: filepath.Join(dir, "Caddyfile"), Target: "/etc/caddy/Caddyfile", Bind: true, ReadOnly: true},
		{Source: "caddy-data", Target: "/data"},
	})
	is.Equal(caddy.Environment["N8N_HOSTNAME"], ":8001")
	is.Equal(caddy.Environment["LETSENCRYPT_EMAIL"], "ops@example.com")
	is.Equal(caddy.CapDrop, []string{"ALL"})
	is.Equal(caddy.Logging.Driver, "json-file")
	is.Equal(caddy.Logging.Options["max-size"], "1m")

	is.Equal(stack.NetworkName("local-ai"), "local-ai")
	is.Equal(stack.VolumeName("caddy-data"), "local-ai_caddy-data")
}

func TestResolvedJoinsDefaultNetwork(t *testing.T) {
	is := is.New(t)
	stack, err := spec.Decode([]byte(`
name: demo
volumes:
  data:
services:
  app:
    image: alpine
    volumes:
      - data:/data
`), spec.DecodeOptions{})
	is.NoErr(err)

	app := stack.Resolved(stack.Services[0])
	is.Equal(app.Networks, []string{"demo_default"})
	is.Equal(app.Volumes[0].Source, "demo_data")
	is.Equal(stack.Services[0].Networks, nil) // source untouched
}

func TestDecodeProjectNameFromDir(t *testing.T) {
	is := is.New(t)
	stack, err := spec.Decode([]byte("services:\n  a:\n    image: x\n"), spec.DecodeOptions{Dir: "/srv/My Stack"})
	is.NoErr(err)
	is.Equal(stack.Name, "mystack")
}

func TestDecodeDependsOnList(t *testing.T) {
	is := is.New(t)
	stack, err := spec.Decode([]byte(`
services:
  db:
    image: postgres
  app:
    image: app
    depends_on: [db]
    command: ["serve", "--port", "8080"]
`), spec.DecodeOptions{ProjectName: "p"})
	is.NoErr(err)

	app, _ := stack.Lookup("app")
	is.Equal(app.DependsOn, []spec.Dependency{{Service: "db", Condition: spec.ConditionStarted, Required: true}})
	is.Equal(app.Command, []string{"serve", "--port", "8080"})
}

func TestDecodeHealthCheckForms(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		wantKind spec.CheckKind
		wantCmd  []string
		wantEP   string
		wantNil  bool
	}{
		{
			name:     "shell string",
			yaml:     `test: "curl -f localhost"`,
			wantKind: spec.CheckCommand,
			wantCmd:  []string{"/bin/sh", "-c", "curl -f localhost"},
		},
		{
			name:     "cmd shell list",
			yaml:     `test: ["CMD-SHELL", "pg_isready"]`,
			wantKind: spec.CheckCommand,
			wantCmd:  []string{"/bin/sh", "-c", "pg_isready"},
		},
		{
			name:    "none",
			yaml:    `test: ["NONE"]`,
			wantNil: true,
		},
		{
			name:    "disabled",
			yaml:    "test: [\"CMD\", \"true\"]\n      disable: true",
			wantNil: true,
		},
		{
			name:     "http",
			yaml:     `http: http://localhost:8080/health`,
			wantKind: spec.CheckHTTP,
			wantEP:   "http://localhost:8080/health",
		},
		{
			name:     "grpc",
			yaml:     `grpc: localhost:9090`,
			wantKind: spec.CheckGRPC,
			wantEP:   "localhost:9090",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			doc := "services:\n  a:\n    image: x\n    healthcheck:\n      " + tt.yaml + "\n"
			stack, err := spec.Decode([]byte(doc), spec.DecodeOptions{ProjectName: "p"})
			is.NoErr(err)

			hc := stack.Services[0].HealthCheck
			if tt.wantNil {
				is.Equal(hc, nil)
				return
			}
			is.True(hc != nil)
			is.Equal(hc.Kind, tt.wantKind)
			if tt.wantCmd != nil {
				is.Equal(hc.Command, tt.wantCmd)
			}
			is.Equal(hc.Endpoint, tt.wantEP)
		})
	}
}

func TestDecodeCollectsAllProblems(t *testing.T) {
	is := is.New(t)
	_, err := spec.Decode([]byte(`
services:
  a:
    image: x
    restart: sometimes
    ports: ["not-a-port:80"]
  b:
    image: y
    depends_on:
      a:
        condition: service_finished
`), spec.DecodeOptions{ProjectName: "p"})
	is.True(err != nil)

	var de *spec.DecodeError
	is.True(errors.As(err, &de))
	is.Equal(len(de.Problems), 3)
	is.True(strings.Contains(err.Error(), `unknown restart policy "sometimes"`))
	is.True(strings.Contains(err.Error(), `unknown condition "service_finished"`))
}

func TestDecodeRequiredVariable(t *testing.T) {
	is := is.New(t)
	_, err := spec.Decode([]byte(`
services:
  a:
    image: ${IMAGE:?image must be set}
`), spec.DecodeOptions{ProjectName: "p"})
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "image must be set"))
}

func TestDecodeRejectsDuplicateServices(t *testing.T) {
	is := is.New(t)
	_, err := spec.Decode([]byte("services:\n  a:\n    image: x\n  a:\n    image: y\n"), spec.DecodeOptions{ProjectName: "p"})
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), `service "a": line 4: already declared on line 2`))
}

func TestParseRestart(t *testing.T) {
	tests := []struct {
		in      string
		want    spec.RestartPolicy
		wantErr bool
	}{
		{"", spec.RestartPolicy{Policy: spec.RestartNo}, false},
		{"no", spec.RestartPolicy{Policy: spec.RestartNo}, false},
		{"always", spec.RestartPolicy{Policy: spec.RestartAlways}, false},
		{"unless-stopped", spec.RestartPolicy{Policy: spec.RestartUnlessStopped}, false},
		{"on-failure", spec.RestartPolicy{Policy: spec.RestartOnFailure}, false},
		{"on-failure:3", spec.RestartPolicy{Policy: spec.RestartOnFailure, MaxRetries: 3}, false},
		{"on-failure:x", spec.RestartPolicy{}, true},
		{"always:2", spec.RestartPolicy{}, true},
		{"forever", spec.RestartPolicy{}, true},
	}
	for _, tt := range tests {
		got, err := spec.ParseRestart(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRestart(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRestart(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestInterpolate(t *testing.T) {
	vars := spec.MapLookup(map[string]string{
		"SET":   "value",
		"EMPTY": "",
		"PORT":  "5432",
	})
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"plain", "plain", false},
		{"$SET", "value", false},
		{"${SET}-x", "value-x", false},
		{"$$SET", "$SET", false},
		{"${UNSET}", "", false},
		{"${UNSET:-fallback}", "fallback", false},
		{"${EMPTY:-fallback}", "fallback", false},
		{"${EMPTY-fallback}", "", false},
		{"${UNSET-fallback}", "fallback", false},
		{"${UNSET:-${PORT}}", "5432", false},
		{"${SET:+alt}", "alt", false},
		{"${EMPTY:+alt}", "", false},
		{"${EMPTY+alt}", "alt", false},
		{"postgres://u:${SET}@db:${PORT}/x", "postgres://u:value@db:5432/x", false},
		{"${UNSET:?must be set}", "", true},
		{"${EMPTY?ok when empty}", "", false},
		{"${SET", "", true},
		{"${1BAD}", "", true},
		{"${SET*}", "", true},
		{"cost: 5$", "cost: 5$", false},
	}
	for _, tt := range tests {
		got, err := spec.Interpolate(tt.in, vars)
		if (err != nil) != tt.wantErr {
			t.Errorf("Interpolate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Interpolate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{"valkey-server --save 30 1", []string{"valkey-server", "--save", "30", "1"}, false},
		{`/bin/sh -c "sleep 3; flowise start"`, []string{"/bin/sh", "-c", "sleep 3; flowise start"}, false},
		{`echo 'a b' c\ d`, []string{"echo", "a b", "c d"}, false},
		{`echo "say \"hi\""`, []string{"echo", `say "hi"`}, false},
		{"   ", nil, false},
		{`echo "oops`, nil, true},
	}
	for _, tt := range tests {
		got, err := spec.SplitCommand(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("SplitCommand(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
			t.Errorf("SplitCommand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseDotEnv(t *testing.T) {
	is := is.New(t)
	vars, err := spec.ParseDotEnv(strings.NewReader(`
# comment
A=1
export B="two words"
C='single'
D=value # trailing
E=
F=${HOST_PORT:-80}
`), spec.MapLookup(map[string]string{"HOST_PORT": "8080"}))
	is.NoErr(err)
	is.Equal(vars, map[string]string{"A": "1", "B": "two words", "C": "single", "D": "value", "E": "", "F": "8080"})

	_, err = spec.ParseDotEnv(strings.NewReader("A=\"unterminated\n"), spec.MapLookup(nil))
	is.True(err != nil)
}

func TestDurationJSON(t *testing.T) {
	is := is.New(t)
	hc := spec.HealthCheck{Kind: spec.CheckTCP, Endpoint: "db:5432", Interval: spec.Duration{Duration: 5 * time.Second}}
	data, err := json.Marshal(hc)
	is.NoErr(err)
	is.True(strings.Contains(string(data), `"interval":"5s"`))
}

func TestHealthCheckDefaults(t *testing.T) {
	is := is.New(t)
	hc := spec.HealthCheck{Kind: spec.CheckHTTP, Endpoint: "http://x"}.WithDefaults()
	is.Equal(hc.Interval.Duration, spec.DefaultCheckInterval)
	is.Equal(hc.Timeout.Duration, spec.DefaultCheckTimeout)
	is.Equal(hc.Retries, spec.DefaultCheckRetries)
	is.Equal(hc.SuccessMin, 200)
	is.Equal(hc.SuccessMax, 399)
}
