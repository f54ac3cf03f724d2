package models

import (
	"fmt"
	"time"
)

// DataType represents the platform-side observable type
type DataType string

const (
	DataTypeHash        DataType = "hash"
	DataTypeIP          DataType = "ip"
	DataTypeFQDN        DataType = "fqdn"
	DataTypeDomain      DataType = "domain"
	DataTypeMail        DataType = "mail"
	DataTypeMailSubject DataType = "mail_subject"
	DataTypeURL         DataType = "url"
	DataTypeURIPath     DataType = "uri_path"
	DataTypeUserAgent   DataType = "user-agent"
	DataTypeFilename    DataType = "filename"
	DataTypeFile        DataType = "file"
	DataTypeRegistry    DataType = "registry"
	DataTypeOther       DataType = "other"
)

// TLP levels per the Traffic Light Protocol
const (
	TLPWhite = 0
	TLPGreen = 1
	TLPAmber = 2
	TLPRed   = 3
)

// LocalAttachment is a handle to attachment content. Path points at a
// file on local disk while the content is in flight; ID references the
// attachment store once the content has been persisted. Path is never
// serialized because temp files do not outlive the sync cycle.
type LocalAttachment struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Path        string `json:"-"`
	ContentType string `json:"content_type"`
}

// RemoteAttachment references attachment content that still lives on the
// originating MISP instance and has not been downloaded yet.
type RemoteAttachment struct {
	Filename  string `json:"filename"`
	Reference string `json:"reference"`
	Type      string `json:"type"`
}

// Artifact is an observable attached to an alert or case. Exactly one of
// Data, Attachment or Remote is set.
type Artifact struct {
	DataType   DataType          `json:"data_type"`
	Data       string            `json:"data,omitempty"`
	Attachment *LocalAttachment  `json:"attachment,omitempty"`
	Remote     *RemoteAttachment `json:"remote_attachment,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	TLP        int               `json:"tlp"`
	Message    string            `json:"message,omitempty"`
	StartDate  time.Time         `json:"start_date"`
}

// NewDataArtifact builds an inline observable.
func NewDataArtifact(dataType DataType, data string) Artifact {
	return Artifact{DataType: dataType, Data: data, TLP: TLPAmber}
}

// NewFileArtifact builds an observable backed by a local file.
func NewFileArtifact(att LocalAttachment) Artifact {
	return Artifact{DataType: DataTypeFile, Attachment: &att, TLP: TLPAmber}
}

// NewRemoteArtifact builds an observable whose content is still remote.
func NewRemoteArtifact(remote RemoteAttachment) Artifact {
	return Artifact{DataType: DataTypeFile, Remote: &remote, TLP: TLPAmber}
}

// Validate enforces the one-of invariant on the artifact value.
func (a Artifact) Validate() error {
	set := 0
	if a.Data != "" {
		set++
	}
	if a.Attachment != nil {
		set++
	}
	if a.Remote != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("artifact must carry exactly one of data, attachment or remote attachment, got %d", set)
	}
	return nil
}

// HasTag reports whether the artifact carries the given tag.
func (a Artifact) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
