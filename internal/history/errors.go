package history

import "codeberg.org/mutker/bmcfanctl/internal/errors"

const (
	ErrInvalidDBPath     = errors.ErrorCode("history_invalid_db_path")
	ErrStorageInit       = errors.ErrorCode("history_storage_init_failed")
	ErrStorageAccess     = errors.ErrorCode("history_storage_access_failed")
	ErrStorageClose      = errors.ErrorCode("history_storage_close_failed")
	ErrSchemaInitFailed  = errors.ErrorCode("history_schema_init_failed")
	ErrTransactionFailed = errors.ErrorCode("history_transaction_failed")
)
