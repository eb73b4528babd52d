package pkg

import (
	"github.com/rs/zerolog/log"

	"widedeep/pkg/io"
)

func printDataErrors(errors []io.DataError) {
	for _, err := range errors {
		log.Error().Str("file", err.File).Int("line", err.Line).Msg(err.Error)
	}
}
