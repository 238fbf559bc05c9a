package providers

import "time"

// connectTimeout bounds the initial connection to a remote store.
const connectTimeout = 5 * time.Second
