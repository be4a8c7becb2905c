package inference

import "errors"

// errBadContext is returned when an Engine method receives a
// modelcache.NativeContext it did not create itself. It should never
// surface outside this package: the Cache only ever hands back a context
// that the same Engine created.
var errBadContext = errors.New("inference: native context from a different engine")
