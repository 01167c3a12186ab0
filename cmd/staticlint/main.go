// Command staticlint runs the project's static analysis: analyzers from the Go
// toolchain, third-party analyzers, the noosexit analyzer and a set of
// staticcheck checks, all through one multichecker.
//
// The staticcheck checks are read from config.json next to the binary. When
// the file is missing, defaultStaticchecks is used.
package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gordonklaus/ineffassign/pkg/ineffassign"
	"github.com/gostaticanalysis/nilerr"
	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/multichecker"
	"golang.org/x/tools/go/analysis/passes/copylock"
	"golang.org/x/tools/go/analysis/passes/errorsas"
	"golang.org/x/tools/go/analysis/passes/loopclosure"
	"golang.org/x/tools/go/analysis/passes/lostcancel"
	"golang.org/x/tools/go/analysis/passes/printf"
	"golang.org/x/tools/go/analysis/passes/structtag"
	"golang.org/x/tools/go/analysis/passes/unmarshal"
	"golang.org/x/tools/go/analysis/passes/unreachable"
	"honnef.co/go/tools/staticcheck"

	"github.com/patric-chuzhbe/elib/cmd/staticlint/noosexit"
)

// Config is the name of the JSON configuration file that lists enabled staticcheck analyzers.
const Config = `config.json`

// ConfigData describes the configuration file. Staticcheck holds analyzer
// names such as "SA1000"; a trailing "*" enables every analyzer with that prefix.
type ConfigData struct {
	Staticcheck []string
}

var defaultStaticchecks = []string{"SA*"}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	myChecks := []*analysis.Analyzer{
		copylock.Analyzer,
		errorsas.Analyzer,
		loopclosure.Analyzer,
		lostcancel.Analyzer,
		printf.Analyzer,
		structtag.Analyzer,
		unmarshal.Analyzer,
		unreachable.Analyzer,

		ineffassign.Analyzer,
		nilerr.Analyzer,

		noosexit.Analyzer,
	}

	for _, v := range staticcheck.Analyzers {
		if enabled(cfg.Staticcheck, v.Analyzer.Name) {
			myChecks = append(myChecks, v.Analyzer)
		}
	}

	multichecker.Main(myChecks...)
}

func loadConfig() (ConfigData, error) {
	cfg := ConfigData{Staticcheck: defaultStaticchecks}

	appfile, err := os.Executable()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(appfile), Config))
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err = json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func enabled(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if pattern == name {
			return true
		}
	}

	return false
}
