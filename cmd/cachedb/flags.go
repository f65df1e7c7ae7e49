package main

import (
	"fmt"

	"github.com/spf13/pflag"
)

// bindFlag ties a flag to a config key. Only flags set on the command line
// override the config file and environment.
func bindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("no flag for config key %q", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind %q: %v", key, err))
	}
}
