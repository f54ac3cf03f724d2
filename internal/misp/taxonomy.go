package misp

import (
	"mispbridge/internal/domain/models"
)

// dataTypes maps MISP attribute types onto platform observable types.
// Anything absent maps to "other".
var dataTypes = map[string]models.DataType{
	"md5":                    models.DataTypeHash,
	"sha1":                   models.DataTypeHash,
	"sha224":                 models.DataTypeHash,
	"sha256":                 models.DataTypeHash,
	"sha384":                 models.DataTypeHash,
	"sha512":                 models.DataTypeHash,
	"ssdeep":                 models.DataTypeHash,
	"imphash":                models.DataTypeHash,
	"pehash":                 models.DataTypeHash,
	"impfuzzy":               models.DataTypeHash,
	"ip-src":                 models.DataTypeIP,
	"ip-dst":                 models.DataTypeIP,
	"hostname":               models.DataTypeFQDN,
	"target-machine":         models.DataTypeFQDN,
	"domain":                 models.DataTypeDomain,
	"email-src":              models.DataTypeMail,
	"email-dst":              models.DataTypeMail,
	"whois-registrant-email": models.DataTypeMail,
	"target-email":           models.DataTypeMail,
	"email-subject":          models.DataTypeMailSubject,
	"url":                    models.DataTypeURL,
	"uri":                    models.DataTypeURIPath,
	"user-agent":             models.DataTypeUserAgent,
	"filename":               models.DataTypeFilename,
	"attachment":             models.DataTypeFile,
	"malware-sample":         models.DataTypeFile,
	"regkey":                 models.DataTypeRegistry,
	"regkey|value":           models.DataTypeRegistry,
}

// DataTypeFor returns the platform observable type for a MISP attribute
// type, defaulting to "other".
func DataTypeFor(mispType string) models.DataType {
	if dt, ok := dataTypes[mispType]; ok {
		return dt
	}
	return models.DataTypeOther
}

// AttributeKind is the MISP (category, type) pair an exported observable
// is filed under.
type AttributeKind struct {
	Category string
	Type     string
}

// hashKinds routes hash observables by digest length.
var hashKinds = map[int]string{
	32:  "md5",
	40:  "sha1",
	56:  "sha224",
	64:  "sha256",
	71:  "sha384",
	128: "sha512",
}

// KindFor returns the MISP (category, type) an observable of the given
// platform type and value maps to on export.
func KindFor(dataType models.DataType, value string) AttributeKind {
	switch dataType {
	case models.DataTypeHash:
		if t, ok := hashKinds[len(value)]; ok {
			return AttributeKind{Category: "Payload delivery", Type: t}
		}
		return AttributeKind{Category: "Payload delivery", Type: "other"}
	case models.DataTypeFilename:
		return AttributeKind{Category: "Payload delivery", Type: "filename"}
	case models.DataTypeMail:
		return AttributeKind{Category: "Payload delivery", Type: "email-src"}
	case models.DataTypeMailSubject:
		return AttributeKind{Category: "Payload delivery", Type: "email-subject"}
	case models.DataTypeFile:
		return AttributeKind{Category: "Payload delivery", Type: "malware-sample"}
	case models.DataTypeIP:
		return AttributeKind{Category: "Network activity", Type: "ip-src"}
	case models.DataTypeFQDN:
		return AttributeKind{Category: "Network activity", Type: "hostname"}
	case models.DataTypeDomain:
		return AttributeKind{Category: "Network activity", Type: "domain"}
	case models.DataTypeURIPath:
		return AttributeKind{Category: "Network activity", Type: "uri"}
	case models.DataTypeUserAgent:
		return AttributeKind{Category: "Network activity", Type: "user-agent"}
	case models.DataTypeURL:
		return AttributeKind{Category: "External analysis", Type: "url"}
	case models.DataTypeRegistry:
		return AttributeKind{Category: "Persistence mechanism", Type: "regkey"}
	default:
		return AttributeKind{Category: "Other", Type: "other"}
	}
}
