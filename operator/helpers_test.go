package operator

import (
	mathrand "math/rand/v2"
)

// rng gives deterministic key material across test runs.
var rng = mathrand.NewChaCha8([32]byte{7})
