package pkg

import "fmt"

var (
	// Overridden with -ldflags "-X github.com/pinus-go/pinus/pkg.GitRevision=..." at release build time.
	PinusVersion         = "devel"
	GitRevision          = "devel"
	PinusVersionRevision = fmt.Sprintf("%s-%s", PinusVersion, GitRevision)
)
