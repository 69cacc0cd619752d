// Package guard switches binaries into test mode when imported from tests,
// so main functions return before dialing Postgres or Redis.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("CONTAMX_TEST_MODE") == "" {
			_ = os.Setenv("CONTAMX_TEST_MODE", "1")
		}
	})
}
