// conf/defaults.go default values for settings
package conf

import "github.com/spf13/viper"

// Default values mirror the operational runbook.
const (
	DefaultBatchSize           = 50
	DefaultTestLimit           = 5
	DefaultRetryAttempts       = 3
	DefaultRetryDelayMS        = 2000
	DefaultDownloadTimeoutMS   = 30000
	DefaultMaxFileSize         = 100 * 1024 * 1024
	DefaultUploadRetryAttempts = 3
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")

	v.SetDefault("kinde.pagesize", 100)
	v.SetDefault("kinde.requestspersecond", 5.0)

	v.SetDefault("clerk.apiurl", "https://api.clerk.com/v1")

	v.SetDefault("storage.keystrategy", "stable")
	v.SetDefault("storage.keyprefix", "migrations")

	v.SetDefault("database.driver", "postgres")

	v.SetDefault("processor.enabled", false)
	v.SetDefault("processor.timeoutms", 10000)

	v.SetDefault("notify.subject", "Your account has moved")
	v.SetDefault("notify.requestspersecond", 2.0)

	v.SetDefault("migration.batchsize", DefaultBatchSize)
	v.SetDefault("migration.testlimit", DefaultTestLimit)
	v.SetDefault("migration.retryattempts", DefaultRetryAttempts)
	v.SetDefault("migration.retrydelayms", DefaultRetryDelayMS)
	v.SetDefault("migration.retrymultiplier", 2.0)
	v.SetDefault("migration.retrymaxdelayms", 30000)
	v.SetDefault("migration.retryjitter", 0.2)
	v.SetDefault("migration.conflictstrategy", "merge")
	v.SetDefault("migration.breakerthreshold", 5)
	v.SetDefault("migration.breakercooldownms", 30000)

	v.SetDefault("documents.downloadtimeoutms", DefaultDownloadTimeoutMS)
	v.SetDefault("documents.maxfilesize", DefaultMaxFileSize)
	v.SetDefault("documents.uploadretryattempts", DefaultUploadRetryAttempts)
	v.SetDefault("documents.concurrency", 1)
	v.SetDefault("documents.sniffcontent", false)
}
