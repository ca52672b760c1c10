// Пакет naming — разбор имени файла скана и вычисление отпечатка идемпотентности.
//
// Имя файла: {12 цифр регистрационного номера}_{код предмета 2-10 символов}.{pdf|jpg|jpeg|png}.
// Расширение и код предмета регистронезависимы; код предмета хранится в верхнем регистре.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Rule — нарушенное правило имени файла.
type Rule string

const (
	RuleEmpty          Rule = "empty"
	RuleExtension      Rule = "extension"
	RuleSeparator      Rule = "separator"
	RuleRegisterNumber Rule = "register_number"
	RuleSubjectCode    Rule = "subject_code"
)

var (
	// Только ASCII-классы: с флагом (?i) класс [a-z] совпадает также
	// со знаком кельвина U+212A и длинной s U+017F.
	filenamePattern = regexp.MustCompile(`^(\d{12})_([A-Za-z0-9]{2,10})\.([A-Za-z]{3,4})$`)
	registerPattern = regexp.MustCompile(`^\d{12}$`)
	subjectPattern  = regexp.MustCompile(`^[A-Za-z0-9]{2,10}$`)
)

// contentTypes — MIME-тип по расширению.
var contentTypes = map[string]string{
	"pdf":  "application/pdf",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
}

// Parsed — результат разбора имени файла.
type Parsed struct {
	// Raw — имя файла, как его прислал клиент
	Raw string
	// Normalized — {reg}_{SUBJECT}.{ext}, расширение в нижнем регистре
	Normalized     string
	RegisterNumber string
	SubjectCode    string
	Extension      string
	ContentType    string
}

// RuleError — имя файла не соответствует контракту.
type RuleError struct {
	Rule     Rule
	Filename string
	Message  string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("некорректное имя файла %q: %s", e.Filename, e.Message)
}

// Parse разбирает имя файла. Путь клиента (в том числе с обратными
// слэшами) отбрасывается, строка приводится к NFC.
func Parse(raw string) (*Parsed, error) {
	name := norm.NFC.String(strings.TrimSpace(raw))
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))

	if name == "" || name == "." || name == "/" {
		return nil, &RuleError{Rule: RuleEmpty, Filename: raw, Message: "пустое имя файла"}
	}

	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return nil, explain(raw, name)
	}

	ext := strings.ToLower(m[3])
	if _, ok := contentTypes[ext]; !ok {
		return nil, explain(raw, name)
	}
	subject := strings.ToUpper(m[2])

	return &Parsed{
		Raw:            raw,
		Normalized:     fmt.Sprintf("%s_%s.%s", m[1], subject, ext),
		RegisterNumber: m[1],
		SubjectCode:    subject,
		Extension:      ext,
		ContentType:    contentTypes[ext],
	}, nil
}

// explain определяет конкретное нарушенное правило.
func explain(raw, name string) *RuleError {
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return &RuleError{Rule: RuleExtension, Filename: raw,
			Message: "нет расширения, допустимые: pdf, jpg, jpeg, png"}
	}
	stem, ext := name[:dot], strings.ToLower(name[dot+1:])
	if _, ok := contentTypes[ext]; !ok {
		return &RuleError{Rule: RuleExtension, Filename: raw,
			Message: fmt.Sprintf("расширение %q не поддерживается, допустимые: pdf, jpg, jpeg, png", ext)}
	}

	parts := strings.Split(stem, "_")
	if len(parts) != 2 {
		return &RuleError{Rule: RuleSeparator, Filename: raw,
			Message: "ожидается ровно один символ '_' между регистрационным номером и кодом предмета"}
	}
	if !registerPattern.MatchString(parts[0]) {
		return &RuleError{Rule: RuleRegisterNumber, Filename: raw,
			Message: fmt.Sprintf("регистрационный номер %q должен состоять ровно из 12 цифр", parts[0])}
	}
	if !subjectPattern.MatchString(parts[1]) {
		return &RuleError{Rule: RuleSubjectCode, Filename: raw,
			Message: fmt.Sprintf("код предмета %q должен содержать 2-10 латинских букв или цифр", parts[1])}
	}

	// Недостижимо при согласованных шаблонах, но ошибка должна быть конкретной
	return &RuleError{Rule: RuleSeparator, Filename: raw, Message: "имя не соответствует шаблону {номер}_{предмет}.{расширение}"}
}

// ValidRegisterNumber — ровно 12 ASCII-цифр.
func ValidRegisterNumber(s string) bool {
	return registerPattern.MatchString(s)
}

// ValidSubjectCode — 2-10 латинских букв или цифр.
func ValidSubjectCode(s string) bool {
	return subjectPattern.MatchString(s)
}

// Fingerprint вычисляет детерминированный отпечаток идемпотентности
// из нормализованного имени, SHA-256 содержимого и контекста партии.
// Время и случайные значения не участвуют: повторная загрузка того же файла
// в той же партии всегда даёт тот же отпечаток.
func Fingerprint(normalizedFilename, contentHash, batchContext string) string {
	h := sha256.New()
	h.Write([]byte("v1\x00"))
	h.Write([]byte(normalizedFilename))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(contentHash)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeBatch(batchContext)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeBatch приводит контекст партии к каноническому виду.
func NormalizeBatch(batch string) string {
	return strings.TrimSpace(norm.NFC.String(batch))
}
