// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline holds helpers for command-line programs: setting generator parameters from a flag, and
// reporting progress.
package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/tensorfunc/pkg/support/fsutil"
	"github.com/gomlx/tensorfunc/pkg/support/params"
	"github.com/gomlx/tensorfunc/pkg/support/xslices"
	"github.com/pkg/errors"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in p. The default values are also used to set the type to which the
// string values will be parsed to.
//
// It updates p accordingly and returns the list of parameters set, or an error in case a parameter
// is unknown or the parsing failed.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// See the example in CreateSettingsFlag, which will create a flag for the settings.
func ParseSettings(p *params.Params, settings string) (paramsSet []string, err error) {
	settingsList := strings.Split(settings, ";")
	for _, setting := range settingsList {
		paramsSet, err = parseSetting(p, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(p *params.Params, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		// Read parameters from a file.
		var lines []string
		lines, err = fsutil.ReadLines(strings.TrimPrefix(setting, "file:"), "#")
		if err != nil {
			err = errors.WithMessage(err, "failed to read settings")
			return
		}
		for _, line := range lines {
			for _, setting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(p, setting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	parts := strings.Split(setting, "=")
	if len(parts) != 2 {
		err = errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\", got %q",
			setting, setting)
		return
	}
	paramName, valueStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	value, found := p.Get(paramName)
	if !found {
		err = errors.Errorf("can't set parameter %q because it is not known, known parameters: %v",
			paramName, p.Keys())
		return
	}

	// Parse value accordingly.
	switch v := value.(type) {
	case int:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case int64:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float32:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		value = strings.Split(valueStr, ",")
	case []int:
		parts := strings.Split(valueStr, ",")
		value = xslices.Map(parts, func(str string) int {
			var asInt int
			str = strings.ReplaceAll(str, "_", "")
			newErr := json.Unmarshal([]byte(str), &asInt)
			if newErr != nil {
				err = newErr
			}
			return asInt
		})
	default:
		err = fmt.Errorf("don't know how to parse type %T for setting parameter %q", value, setting)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)", valueStr, paramName, value)
		return
	}
	p.Set(paramName, value)
	newParamsSet = append(newParamsSet, paramName)
	return
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the current defined parameters in p.
//
// The flag should be created before the call to `flags.Parse()`.
//
// Example usage:
//
//	func main() {
//		p := diffconv.DefaultParams()
//		settings := commandline.CreateSettingsFlag(p, "")
//		flag.Parse()
//		_, err := commandline.ParseSettings(p, *settings)
//		if err != nil { klog.Fatalf("%+v", err) }
//		fmt.Println(commandline.SprintSettings(p))
//		...
//	}
func CreateSettingsFlag(p *params.Params, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts,
		`Set generator parameters. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Current available parameters that can be set:`)
	p.Enumerate(func(key string, value any) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	usage := strings.Join(parts, "\n")
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintSettings pretty-print values for the current parameters into a string.
func SprintSettings(p *params.Params) string {
	var parts []string
	p.Enumerate(func(key string, value any) {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	})
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-print values of the parameters listed in paramsSet, as returned by ParseSettings.
func SprintModifiedSettings(p *params.Params, paramsSet []string) string {
	var parts []string
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	for _, key := range paramsSet {
		value, found := p.Get(key)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
