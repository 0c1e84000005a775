package spec

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

// LoadOptions controls how a stack file is read.
type LoadOptions struct {
	// ProjectName overrides the file's top-level name.
	ProjectName string

	// EnvFile is the dotenv file to read variables from. Defaults to
	// ".env" next to the stack file; a missing default file is not an error.
	EnvFile string

	// Env overrides both the process environment and the env file.
	Env map[string]string
}

// DecodeOptions controls decoding of an in-memory stack file.
type DecodeOptions struct {
	// Dir resolves relative bind mount sources and names the project when
	// the file does not.
	Dir string

	// ProjectName overrides the file's top-level name.
	ProjectName string

	// Lookup resolves ${VAR} references. Nil means every variable is unset.
	Lookup LookupFunc
}

// DecodeError lists every problem found in a stack file so they can be
// fixed in one pass.
type DecodeError struct {
	Problems []string
}

func (e *DecodeError) Error() string {
	if len(e.Problems) == 1 {
		return e.Problems[0]
	}
	return fmt.Sprintf("%d problems:\n  %s", len(e.Problems), strings.Join(e.Problems, "\n  "))
}

// Load reads and decodes the stack file at path. Variables are resolved from
// the dotenv file, then the process environment, then opts.Env.
func Load(path string, opts LoadOptions) (Stack, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Stack{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Stack{}, err
	}
	dir := filepath.Dir(abs)

	vars := make(map[string]string)
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = filepath.Join(dir, ".env")
	}
	if f, err := os.Open(envFile); err == nil {
		fileVars, perr := ParseDotEnv(f, func(name string) (string, bool) {
			if v, ok := opts.Env[name]; ok {
				return v, true
			}
			return os.LookupEnv(name)
		})
		f.Close()
		if perr != nil {
			return Stack{}, errors.Wrapf(perr, "env file %s", envFile)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	} else if opts.EnvFile != "" {
		return Stack{}, errors.Wrap(err, "env file")
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	for k, v := range opts.Env {
		vars[k] = v
	}

	return Decode(data, DecodeOptions{
		Dir:         dir,
		ProjectName: opts.ProjectName,
		Lookup:      MapLookup(vars),
	})
}

// stackFile is the raw top-level shape. Services stays a node so that
// declaration order survives decoding.
type stackFile struct {
	Name     string                   `yaml:"name"`
	Services yaml.Node                `yaml:"services"`
	Networks map[string]*resourceFile `yaml:"networks"`
	Volumes  map[string]*resourceFile `yaml:"volumes"`
}

type resourceFile struct {
	Name     string `yaml:"name"`
	Driver   string `yaml:"driver"`
	External bool   `yaml:"external"`
}

type serviceFile struct {
	Image         string       `yaml:"image"`
	ContainerName string       `yaml:"container_name"`
	Entrypoint    commandField `yaml:"entrypoint"`
	Command       commandField `yaml:"command"`
	WorkingDir    string       `yaml:"working_dir"`
	Environment   stringMap    `yaml:"environment"`
	Volumes       []yaml.Node  `yaml:"volumes"`
	Networks      nameList     `yaml:"networks"`
	Ports         stringList   `yaml:"ports"`
	ExtraHosts    stringList   `yaml:"extra_hosts"`
	CapAdd        stringList   `yaml:"cap_add"`
	CapDrop       stringList   `yaml:"cap_drop"`
	Logging       *loggingFile `yaml:"logging"`
	Restart       string       `yaml:"restart"`
	DependsOn     dependsField `yaml:"depends_on"`
	HealthCheck   *healthFile  `yaml:"healthcheck"`
}

type loggingFile struct {
	Driver  string    `yaml:"driver"`
	Options stringMap `yaml:"options"`
}

type healthFile struct {
	Test          testField `yaml:"test"`
	HTTP          string    `yaml:"http"`
	TCP           string    `yaml:"tcp"`
	GRPC          string    `yaml:"grpc"`
	SuccessStatus string    `yaml:"success_status"`
	Interval      Duration  `yaml:"interval"`
	Timeout       Duration  `yaml:"timeout"`
	Retries       int       `yaml:"retries"`
	StartPeriod   Duration  `yaml:"start_period"`
	Disable       bool      `yaml:"disable"`
}

// Decode parses a compose-style stack file. Variable references are
// interpolated before decoding; "<<" merge keys and anchors (typically
// declared under x- keys) are resolved by the YAML decoder.
func Decode(data []byte, opts DecodeOptions) (Stack, error) {
	lookup := opts.Lookup
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}

	var root yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&root); err != nil {
		return Stack{}, errors.Wrap(err, "parse stack file")
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return Stack{}, errors.New("parse stack file: top level must be a mapping")
	}
	doc := root.Content[0]

	if err := interpolateNode(doc, lookup); err != nil {
		return Stack{}, err
	}

	var file stackFile
	if err := doc.Decode(&file); err != nil {
		return Stack{}, errors.Wrap(err, "parse stack file")
	}

	stack := Stack{
		Name:     projectName(file.Name, opts),
		Dir:      opts.Dir,
		Networks: make(map[string]Network, len(file.Networks)),
		Volumes:  make(map[string]Volume, len(file.Volumes)),
	}
	for key, rf := range file.Networks {
		var n Network
		if rf != nil {
			n = Network{Name: rf.Name, Driver: rf.Driver, External: rf.External}
		}
		stack.Networks[key] = n
	}
	for key, rf := range file.Volumes {
		var v Volume
		if rf != nil {
			v = Volume{Name: rf.Name, Driver: rf.Driver, External: rf.External}
		}
		stack.Volumes[key] = v
	}

	if file.Services.Kind != yaml.MappingNode {
		return Stack{}, &DecodeError{Problems: []string{"stack must declare a services mapping"}}
	}

	var problems []string
	seen := make(map[string]int, len(file.Services.Content)/2)
	content := file.Services.Content
	for i := 0; i+1 < len(content); i += 2 {
		name := content[i].Value
		if line, dup := seen[name]; dup {
			problems = append(problems, fmt.Sprintf("service %q: line %d: already declared on line %d", name, content[i].Line, line))
			continue
		}
		seen[name] = content[i].Line
		var sf serviceFile
		if err := content[i+1].Decode(&sf); err != nil {
			problems = append(problems, fmt.Sprintf("service %q: %v", name, err))
			continue
		}
		svc, errs := buildService(name, len(stack.Services), sf, opts.Dir, lookup)
		problems = append(problems, errs...)
		stack.Services = append(stack.Services, svc)
	}

	if len(problems) > 0 {
		return Stack{}, &DecodeError{Problems: problems}
	}
	return stack, nil
}

func projectName(fileName string, opts DecodeOptions) string {
	name := fileName
	if opts.ProjectName != "" {
		name = opts.ProjectName
	}
	if name == "" && opts.Dir != "" {
		name = filepath.Base(opts.Dir)
	}
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "stack"
	}
	return b.String()
}

func buildService(name string, index int, sf serviceFile, dir string, lookup LookupFunc) (Service, []string) {
	var errs []string
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf("service %q: ", name)+fmt.Sprintf(format, args...))
	}

	svc := Service{
		Name:          name,
		Index:         index,
		Image:         sf.Image,
		ContainerName: sf.ContainerName,
		Entrypoint:    sf.Entrypoint.argv,
		Command:       sf.Command.argv,
		WorkingDir:    sf.WorkingDir,
		Networks:      sf.Networks,
		Ports:         sf.Ports,
		ExtraHosts:    sf.ExtraHosts,
		CapAdd:        sf.CapAdd,
		CapDrop:       sf.CapDrop,
	}

	if len(sf.Environment) > 0 {
		svc.Environment = make(map[string]string, len(sf.Environment))
		for k, v := range sf.Environment {
			if v != nil {
				svc.Environment[k] = *v
				continue
			}
			// Bare KEY: pass through from the environment when set.
			if val, ok := lookup(k); ok {
				svc.Environment[k] = val
			}
		}
	}

	if sf.Logging != nil {
		svc.Logging = &Logging{Driver: sf.Logging.Driver}
		if len(sf.Logging.Options) > 0 {
			svc.Logging.Options = make(map[string]string, len(sf.Logging.Options))
			for k, v := range sf.Logging.Options {
				if v != nil {
					svc.Logging.Options[k] = *v
				}
			}
		}
	}

	for _, p := range sf.Ports {
		if _, err := nat.ParsePortSpec(p); err != nil {
			fail("invalid port %q: %v", p, err)
		}
	}

	for i := range sf.Volumes {
		m, err := parseVolume(&sf.Volumes[i], dir)
		if err != nil {
			fail("volume %d: %v", i, err)
			continue
		}
		svc.Volumes = append(svc.Volumes, m)
	}

	restart, err := ParseRestart(sf.Restart)
	if err != nil {
		fail("%v", err)
	}
	svc.Restart = restart

	for _, d := range sf.DependsOn.deps {
		if d.err != "" {
			fail("depends_on %q: %s", d.dep.Service, d.err)
			continue
		}
		svc.DependsOn = append(svc.DependsOn, d.dep)
	}

	if sf.HealthCheck != nil {
		hc, err := buildHealthCheck(*sf.HealthCheck)
		if err != nil {
			fail("healthcheck: %v", err)
		}
		svc.HealthCheck = hc
	}

	return svc, errs
}

// ParseRestart parses a restart policy: "no", "always", "unless-stopped",
// "on-failure" or "on-failure:N". Empty means "no".
func ParseRestart(s string) (RestartPolicy, error) {
	mode, max, hasMax := strings.Cut(s, ":")
	switch RestartMode(mode) {
	case "", RestartNo, "false":
		return RestartPolicy{Policy: RestartNo}, nil
	case RestartAlways, RestartUnlessStopped:
		if hasMax {
			return RestartPolicy{}, errors.Newf("restart policy %q does not take a retry count", mode)
		}
		return RestartPolicy{Policy: RestartMode(mode)}, nil
	case RestartOnFailure:
		p := RestartPolicy{Policy: RestartOnFailure}
		if hasMax {
			n, err := strconv.Atoi(max)
			if err != nil || n < 0 {
				return RestartPolicy{}, errors.Newf("invalid on-failure retry count %q", max)
			}
			p.MaxRetries = n
		}
		return p, nil
	}
	return RestartPolicy{}, errors.Newf("unknown restart policy %q", s)
}

func buildHealthCheck(hf healthFile) (*HealthCheck, error) {
	if hf.Disable || hf.Test.none {
		return nil, nil
	}
	hc := &HealthCheck{
		Interval:    hf.Interval,
		Timeout:     hf.Timeout,
		Retries:     hf.Retries,
		StartPeriod: hf.StartPeriod,
	}

	kinds := 0
	if len(hf.Test.argv) > 0 {
		hc.Kind, hc.Command = CheckCommand, hf.Test.argv
		kinds++
	}
	if hf.HTTP != "" {
		hc.Kind, hc.Endpoint = CheckHTTP, hf.HTTP
		kinds++
	}
	if hf.TCP != "" {
		hc.Kind, hc.Endpoint = CheckTCP, hf.TCP
		kinds++
	}
	if hf.GRPC != "" {
		hc.Kind, hc.Endpoint = CheckGRPC, hf.GRPC
		kinds++
	}
	switch {
	case kinds == 0:
		return nil, errors.New("one of test, http, tcp or grpc is required")
	case kinds > 1:
		return nil, errors.New("only one of test, http, tcp or grpc may be set")
	}

	if hf.SuccessStatus != "" {
		lo, hi, err := parseStatusRange(hf.SuccessStatus)
		if err != nil {
			return nil, err
		}
		hc.SuccessMin, hc.SuccessMax = lo, hi
	}
	if hc.Retries < 0 {
		return nil, errors.New("retries must not be negative")
	}
	return hc, nil
}

func parseStatusRange(s string) (int, int, error) {
	loStr, hiStr, isRange := strings.Cut(s, "-")
	lo, err := strconv.Atoi(strings.TrimSpace(loStr))
	if err != nil {
		return 0, 0, errors.Newf("invalid success_status %q", s)
	}
	hi := lo
	if isRange {
		if hi, err = strconv.Atoi(strings.TrimSpace(hiStr)); err != nil {
			return 0, 0, errors.Newf("invalid success_status %q", s)
		}
	}
	if lo < 100 || hi > 599 || lo > hi {
		return 0, 0, errors.Newf("invalid success_status %q", s)
	}
	return lo, hi, nil
}

// parseVolume accepts the short "source:target[:mode]" syntax and the long
// mapping syntax (type, source, target, read_only).
func parseVolume(node *yaml.Node, dir string) (VolumeMount, error) {
	if node.Kind == yaml.MappingNode {
		var long struct {
			Type     string `yaml:"type"`
			Source   string `yaml:"source"`
			Target   string `yaml:"target"`
			ReadOnly bool   `yaml:"read_only"`
		}
		if err := node.Decode(&long); err != nil {
			return VolumeMount{}, err
		}
		if long.Target == "" {
			return VolumeMount{}, errors.New("target is required")
		}
		m := VolumeMount{Source: long.Source, Target: long.Target, ReadOnly: long.ReadOnly}
		if long.Type == "bind" {
			m.Bind = true
			m.Source = resolveHostPath(m.Source, dir)
		}
		return m, nil
	}

	parts := strings.Split(node.Value, ":")
	var m VolumeMount
	switch len(parts) {
	case 1:
		m.Target = parts[0]
	case 2, 3:
		m.Source, m.Target = parts[0], parts[1]
		if len(parts) == 3 {
			for _, opt := range strings.Split(parts[2], ",") {
				if opt == "ro" {
					m.ReadOnly = true
				}
			}
		}
	default:
		return VolumeMount{}, errors.Newf("invalid volume %q", node.Value)
	}
	if m.Target == "" {
		return VolumeMount{}, errors.Newf("invalid volume %q", node.Value)
	}
	if isHostPath(m.Source) {
		m.Bind = true
		m.Source = resolveHostPath(m.Source, dir)
	}
	return m, nil
}

func isHostPath(s string) bool {
	return strings.HasPrefix(s, ".") || strings.HasPrefix(s, "/") || strings.HasPrefix(s, "~")
}

func resolveHostPath(p, dir string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	return filepath.Clean(p)
}

// interpolateNode expands variables in every scalar value under n. Mapping
// keys are left alone. Alias nodes are skipped; their anchors are expanded
// where they are defined.
func interpolateNode(n *yaml.Node, lookup LookupFunc) error {
	switch n.Kind {
	case yaml.ScalarNode:
		v, err := Interpolate(n.Value, lookup)
		if err != nil {
			return errors.Wrapf(err, "line %d", n.Line)
		}
		n.Value = v
	case yaml.MappingNode:
		for i := 1; i < len(n.Content); i += 2 {
			if err := interpolateNode(n.Content[i], lookup); err != nil {
				return err
			}
		}
	case yaml.SequenceNode, yaml.DocumentNode:
		for _, c := range n.Content {
			if err := interpolateNode(c, lookup); err != nil {
				return err
			}
		}
	}
	return nil
}

// commandField accepts a string (shell-split) or a list.
type commandField struct {
	argv []string
}

func (c *commandField) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		argv, err := SplitCommand(node.Value)
		if err != nil {
			return err
		}
		c.argv = argv
	case yaml.SequenceNode:
		c.argv = scalars(node)
	default:
		return errors.Newf("line %d: command must be a string or a list", node.Line)
	}
	return nil
}

// testField accepts a healthcheck test in string form (run by a shell) or
// list form starting with CMD, CMD-SHELL or NONE.
type testField struct {
	argv []string
	none bool
}

func (t *testField) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value != "" {
			t.argv = []string{"/bin/sh", "-c", node.Value}
		}
		return nil
	case yaml.SequenceNode:
	default:
		return errors.Newf("line %d: test must be a string or a list", node.Line)
	}

	items := scalars(node)
	if len(items) == 0 {
		return nil
	}
	switch items[0] {
	case "NONE":
		t.none = true
	case "CMD":
		if len(items) < 2 {
			return errors.Newf("line %d: CMD test needs a command", node.Line)
		}
		t.argv = items[1:]
	case "CMD-SHELL":
		if len(items) < 2 {
			return errors.Newf("line %d: CMD-SHELL test needs a command", node.Line)
		}
		t.argv = []string{"/bin/sh", "-c", strings.Join(items[1:], " ")}
	default:
		return errors.Newf("line %d: test list must start with CMD, CMD-SHELL or NONE, got %q", node.Line, items[0])
	}
	return nil
}

// stringList accepts a list of scalars or a single scalar, using the
// literal text so that numbers and booleans survive as written.
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = []string{node.Value}
	case yaml.SequenceNode:
		*l = scalars(node)
	default:
		return errors.Newf("line %d: expected a list", node.Line)
	}
	return nil
}

// nameList accepts a list of names or a mapping keyed by name.
type nameList []string

func (l *nameList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		*l = scalars(node)
	case yaml.MappingNode:
		for i := 0; i < len(node.Content); i += 2 {
			*l = append(*l, node.Content[i].Value)
		}
	default:
		return errors.Newf("line %d: expected a list or mapping of names", node.Line)
	}
	return nil
}

// stringMap accepts a mapping or a list of KEY=VALUE entries. A nil value
// means the key was given without a value.
type stringMap map[string]*string

func (m *stringMap) UnmarshalYAML(node *yaml.Node) error {
	out := make(stringMap)
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			k, v := node.Content[i].Value, node.Content[i+1]
			if v.Tag == "!!null" {
				out[k] = nil
				continue
			}
			val := v.Value
			out[k] = &val
		}
	case yaml.SequenceNode:
		for _, item := range scalars(node) {
			k, v, ok := strings.Cut(item, "=")
			if !ok {
				out[k] = nil
				continue
			}
			out[k] = &v
		}
	default:
		return errors.Newf("line %d: expected a mapping or a list of KEY=VALUE", node.Line)
	}
	*m = out
	return nil
}

type parsedDep struct {
	dep Dependency
	err string
}

// dependsField accepts a list of service names (condition started) or a
// mapping of name to {condition, restart, required}. Order is preserved.
type dependsField struct {
	deps []parsedDep
}

func (d *dependsField) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		for _, name := range scalars(node) {
			d.deps = append(d.deps, parsedDep{dep: Dependency{
				Service:   name,
				Condition: ConditionStarted,
				Required:  true,
			}})
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			var raw struct {
				Condition string `yaml:"condition"`
				Restart   bool   `yaml:"restart"`
				Required  *bool  `yaml:"required"`
			}
			if err := node.Content[i+1].Decode(&raw); err != nil {
				return err
			}
			pd := parsedDep{dep: Dependency{Service: name, Restart: raw.Restart, Required: true}}
			if raw.Required != nil {
				pd.dep.Required = *raw.Required
			}
			cond, ok := ParseCondition(raw.Condition)
			if !ok {
				pd.err = fmt.Sprintf("unknown condition %q", raw.Condition)
			}
			pd.dep.Condition = cond
			d.deps = append(d.deps, pd)
		}
	default:
		return errors.Newf("line %d: depends_on must be a list or a mapping", node.Line)
	}
	return nil
}

func scalars(node *yaml.Node) []string {
	out := make([]string, 0, len(node.Content))
	for _, c := range node.Content {
		if c.Kind == yaml.AliasNode && c.Alias != nil {
			c = c.Alias
		}
		out = append(out, c.Value)
	}
	return out
}
