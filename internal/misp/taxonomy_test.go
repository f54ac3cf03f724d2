package misp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"mispbridge/internal/domain/models"
)

func TestDataTypeFor(t *testing.T) {
	tests := []struct {
		mispType string
		want     models.DataType
	}{
		{"md5", models.DataTypeHash},
		{"sha256", models.DataTypeHash},
		{"impfuzzy", models.DataTypeHash},
		{"ip-src", models.DataTypeIP},
		{"ip-dst", models.DataTypeIP},
		{"hostname", models.DataTypeFQDN},
		{"target-machine", models.DataTypeFQDN},
		{"domain", models.DataTypeDomain},
		{"whois-registrant-email", models.DataTypeMail},
		{"email-subject", models.DataTypeMailSubject},
		{"url", models.DataTypeURL},
		{"uri", models.DataTypeURIPath},
		{"user-agent", models.DataTypeUserAgent},
		{"filename", models.DataTypeFilename},
		{"attachment", models.DataTypeFile},
		{"malware-sample", models.DataTypeFile},
		{"regkey", models.DataTypeRegistry},
		{"regkey|value", models.DataTypeRegistry},
		{"mutex", models.DataTypeOther},
		{"yara", models.DataTypeOther},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DataTypeFor(tt.mispType), "type %s", tt.mispType)
	}
}

func TestKindForHashLengthRouting(t *testing.T) {
	tests := []struct {
		length int
		want   string
	}{
		{32, "md5"},
		{40, "sha1"},
		{56, "sha224"},
		{64, "sha256"},
		{71, "sha384"},
		{128, "sha512"},
		{33, "other"},
		{10, "other"},
	}

	for _, tt := range tests {
		value := strings.Repeat("a", tt.length)
		kind := KindFor(models.DataTypeHash, value)
		assert.Equal(t, tt.want, kind.Type, "length %d", tt.length)
		assert.Equal(t, "Payload delivery", kind.Category)
	}
}

func TestKindForCategories(t *testing.T) {
	tests := []struct {
		dataType models.DataType
		category string
		mispType string
	}{
		{models.DataTypeURL, "External analysis", "url"},
		{models.DataTypeIP, "Network activity", "ip-src"},
		{models.DataTypeFQDN, "Network activity", "hostname"},
		{models.DataTypeDomain, "Network activity", "domain"},
		{models.DataTypeURIPath, "Network activity", "uri"},
		{models.DataTypeUserAgent, "Network activity", "user-agent"},
		{models.DataTypeFilename, "Payload delivery", "filename"},
		{models.DataTypeMail, "Payload delivery", "email-src"},
		{models.DataTypeMailSubject, "Payload delivery", "email-subject"},
		{models.DataTypeFile, "Payload delivery", "malware-sample"},
		{models.DataTypeRegistry, "Persistence mechanism", "regkey"},
		{models.DataTypeOther, "Other", "other"},
	}

	for _, tt := range tests {
		kind := KindFor(tt.dataType, "value")
		assert.Equal(t, tt.category, kind.Category, "data type %s", tt.dataType)
		assert.Equal(t, tt.mispType, kind.Type, "data type %s", tt.dataType)
	}
}
