package llm

// ConfigError 表示调用前置条件不满足（缺少密钥、URL 不安全等），不会重试。
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// ModelError 表示重试预算耗尽或遇到不可重试的上游失败。
type ModelError struct {
	Msg      string
	Attempts int
	Status   int
	Cause    error
}

func (e *ModelError) Error() string { return e.Msg }

func (e *ModelError) Unwrap() error { return e.Cause }
