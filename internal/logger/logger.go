package logger

import (
	"io"
	"os"
	"strings"

	"instrument-ledger/internal/config"

	"github.com/sirupsen/logrus"
)

// CodeField имя поля, в котором сервисы логируют код ваучера или карты
const CodeField = "code"

// visibleCodeSuffix сколько последних символов кода остаётся в логе
const visibleCodeSuffix = 4

// Logger обёртка над logrus, общая для всех компонентов сервиса.
type Logger struct {
	*logrus.Logger
}

// New создаёт логгер по конфигурации. Неизвестный уровень трактуется как info,
// неизвестный формат как json. Если файл не открывается, пишем только в stdout.
func New(cfg *config.LoggerConfig) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if strings.ToLower(cfg.Format) == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			out = io.MultiWriter(os.Stdout, file)
		} else {
			log.WithError(err).Warn("Failed to open log file, using stdout only")
		}
	}
	log.SetOutput(out)
	log.AddHook(codeMaskHook{})

	return &Logger{Logger: log}
}

// Component возвращает запись с полем component для логов фоновых задач.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.WithField("component", name)
}

// Tenant возвращает запись, привязанную к тенанту.
func (l *Logger) Tenant(tenantID string) *logrus.Entry {
	return l.WithField("tenant_id", tenantID)
}

// codeMaskHook скрывает коды инструментов: по коду можно погасить ваучер
// или списать с карты, поэтому в лог попадает только хвост.
type codeMaskHook struct{}

func (codeMaskHook) Levels() []logrus.Level { return logrus.AllLevels }

func (codeMaskHook) Fire(entry *logrus.Entry) error {
	raw, ok := entry.Data[CodeField]
	if !ok {
		return nil
	}
	if code, ok := raw.(string); ok {
		entry.Data[CodeField] = MaskCode(code)
	}
	return nil
}

// MaskCode заменяет все символы кода, кроме последних четырёх, на '*'.
func MaskCode(code string) string {
	runes := []rune(code)
	if len(runes) <= visibleCodeSuffix {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-visibleCodeSuffix) + string(runes[len(runes)-visibleCodeSuffix:])
}
