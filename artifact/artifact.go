package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

//go:embed scripts/init_instance.sh
var initInstanceSh []byte

//go:embed scripts/show_instance_dashboard.sh
var showInstanceDashboardSh []byte

// Identifies one staged script. References are created once per distinct script and shared by every bootstrap
// sequence that downloads it; do not modify them.
type Reference struct {
	Bucket string
	Key    string

	// A presigned HTTP(S) URL, set by stores whose objects can't be read with the instance role (see URLSigner).
	// Instances download with curl instead of the AWS CLI when it is set.
	URL string
}

func (r *Reference) URI() string {
	return fmt.Sprintf("s3://%s/%s", r.Bucket, r.Key)
}

func (r *Reference) String() string {
	return r.URI()
}

// A script to stage. Path identifies the source; two sources with the same Path are the same artifact.
type Source struct {
	Path string
	Open func() (io.ReadCloser, error)
}

func FileSource(p string) Source {
	return Source{
		Path: p,
		Open: func() (io.ReadCloser, error) { return os.Open(p) },
	}
}

func BootstrapScript() Source {
	return embeddedSource("init_instance.sh", initInstanceSh)
}

func DashboardScript() Source {
	return embeddedSource("show_instance_dashboard.sh", showInstanceDashboardSh)
}

func embeddedSource(name string, buf []byte) Source {
	return Source{
		Path: path.Join("embedded", name),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil },
	}
}

// The three scripts every instance downloads.
type Artifacts struct {
	Bootstrap *Reference
	Dashboard *Reference
	Run       *Reference
}

// Where staged scripts are kept.
type Store interface {
	Bucket() string
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
}

// Implemented by stores outside AWS S3. Instance roles grant no access to them, so each staged script gets a
// presigned download URL instead.
type URLSigner interface {
	PresignGet(ctx context.Context, key string) (string, error)
}

// Staged keys are content addressed so restaging an unchanged script is a no-op.
func contentKey(sourcePath string, buf []byte) string {
	sum := sha256.Sum256(buf)
	return "assets/" + hex.EncodeToString(sum[:]) + filepath.Ext(sourcePath)
}
