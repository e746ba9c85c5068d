package storage

import "github.com/rs/zerolog/log"

// fatalf terminates the process. It is reached only when a caller breaks an
// invariant the protocol cannot recover from.
var fatalf = func(format string, args ...any) {
	log.Fatal().Msgf(format, args...)
}
