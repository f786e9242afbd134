package config

import "github.com/hexalith/streams-go/streams"

func errConfigMissing(setting string) error {
	return streams.ErrConfigMissing(setting)
}
