package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/nugget/mirage/internal/config"
	"github.com/nugget/mirage/internal/protocol"
	"github.com/nugget/mirage/internal/servicecfg"
)

// checkResult is one row of the check report.
type checkResult struct {
	File     string `json:"file"`
	Name     string `json:"name,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Parser   string `json:"parser,omitempty"`
	Address  string `json:"address,omitempty"`
	Enabled  bool   `json:"enabled"`
	Error    string `json:"error,omitempty"`
}

// runCheck parses every service file in dir the same way serve does and
// reports each one. It fails if any file would be skipped. An empty dir
// means the configured services_dir.
func runCheck(w io.Writer, configPath, dir, outputFmt string) error {
	if dir == "" {
		resolved, err := checkDir(configPath)
		if err != nil {
			return err
		}
		dir = resolved
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read service directory %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var results []checkResult
	owners := make(map[string]string)
	invalid := 0
	for _, e := range entries {
		if e.IsDir() || !servicecfg.IsServiceFile(e.Name()) {
			continue
		}
		r := checkResult{File: e.Name()}
		cfg, err := servicecfg.ParseFile(filepath.Join(dir, e.Name()))
		switch {
		case err != nil:
			r.Error = err.Error()
		case owners[cfg.Name] != "":
			r.Name = cfg.Name
			r.Error = fmt.Sprintf("duplicate name %q, already defined by %s", cfg.Name, owners[cfg.Name])
		default:
			owners[cfg.Name] = e.Name()
			r.Name = cfg.Name
			r.Protocol = string(cfg.Protocol)
			if cfg.UnknownProtocol != "" {
				r.Protocol += " (unknown: " + cfg.UnknownProtocol + ")"
			}
			r.Parser = parserName(cfg.Protocol)
			r.Address = cfg.Addr()
			r.Enabled = cfg.Enabled
		}
		if r.Error != "" {
			invalid++
		}
		results = append(results, r)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		writeCheckTable(w, dir, results)
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d service files invalid", invalid, len(results))
	}
	return nil
}

// parserName names the parser that decodes traffic for kind. Kinds
// without their own parser use the generic hex parser.
func parserName(kind protocol.Kind) string {
	if protocol.Specialized(kind) {
		return string(kind)
	}
	return string(protocol.Generic)
}

// checkDir returns services_dir from the config file, or the default
// when no config file exists and none was named.
func checkDir(configPath string) (string, error) {
	cfg, _, err := loadConfig(configPath)
	if err == nil {
		return cfg.ServicesDir, nil
	}
	if configPath == "" && errors.Is(err, config.ErrNotFound) {
		return config.Default().ServicesDir, nil
	}
	return "", err
}

func writeCheckTable(w io.Writer, dir string, results []checkResult) {
	fmt.Fprintf(w, "Service files in %s\n\n", dir)
	if len(results) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tNAME\tPROTOCOL\tPARSER\tADDRESS\tENABLED\tSTATUS")
	for _, r := range results {
		status := "ok"
		if r.Error != "" {
			status = r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.File, r.Name, r.Protocol, r.Parser, r.Address, strconv.FormatBool(r.Enabled), status)
	}
	tw.Flush()
}
