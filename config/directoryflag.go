package config

import (
	"strings"

	"github.com/zalando/filtergate/filemanager"
)

// directoryFlag collects the phase labeled filter directories. It can be
// repeated, and it accepts comma separated values, too.
type directoryFlag struct {
	values []filemanager.Directory
}

func (df *directoryFlag) add(value string) error {
	for _, s := range strings.Split(value, ",") {
		d, err := filemanager.ParseDirectory(strings.TrimSpace(s))
		if err != nil {
			return err
		}

		df.values = append(df.values, d)
	}

	return nil
}

func (df *directoryFlag) Set(value string) error {
	return df.add(value)
}

func (df *directoryFlag) UnmarshalYAML(unmarshal func(any) error) error {
	var values []string
	if err := unmarshal(&values); err != nil {
		return err
	}

	df.values = nil
	for _, v := range values {
		if err := df.add(v); err != nil {
			return err
		}
	}

	return nil
}

func (df *directoryFlag) String() string {
	if df == nil {
		return ""
	}

	s := make([]string, len(df.values))
	for i, d := range df.values {
		s[i] = d.String()
	}

	return strings.Join(s, ",")
}
