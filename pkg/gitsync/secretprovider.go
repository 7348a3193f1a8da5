package gitsync

import internalgitsync "github.com/taskpdf/taskpdf/internal/gitsync"

// SecretProvider is re-exported from internal/gitsync for external use.
// See pkg/sync for the supported credential types.
type SecretProvider = internalgitsync.SecretProvider
