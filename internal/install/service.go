package install

import (
	"bytes"
	"path/filepath"
	"sort"
	"text/template"

	"github.com/tinkerbelle-io/tb-power/internal/audit"
	"github.com/tinkerbelle-io/tb-power/internal/config"
)

// ServiceSpec is what a service definition needs to run the rack agent. It
// is derived from the rack config so that the unit and the agent agree on
// paths and logging.
type ServiceSpec struct {
	Binary        string
	ConfigPath    string
	ClusterID     string
	LogLevel      string
	LogFormat     string
	AuditLog      string
	WritablePaths []string
}

// SpecFor builds the service definition for running binPath with cfg, which
// is stored at configPath.
func SpecFor(binPath, configPath string, cfg *config.Config) ServiceSpec {
	auditLog := cfg.Rack.AuditLog
	if auditLog == "" {
		auditLog = audit.DefaultPath()
	}

	writable := map[string]bool{
		filepath.Dir(configPath): true,
		filepath.Dir(auditLog):   true,
	}
	paths := make([]string, 0, len(writable))
	for p := range writable {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	return ServiceSpec{
		Binary:        binPath,
		ConfigPath:    configPath,
		ClusterID:     cfg.Rack.ClusterID,
		LogLevel:      cfg.LogLevel,
		LogFormat:     cfg.LogFormat,
		AuditLog:      auditLog,
		WritablePaths: paths,
	}
}

func render(t *template.Template, data any) string {
	var buf bytes.Buffer
	// Templates are fixed; execution cannot fail.
	if err := t.Execute(&buf, data); err != nil {
		panic(err)
	}
	return buf.String()
}
