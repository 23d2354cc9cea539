package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocator(t *testing.T) {
	bucket, key, err := parseLocator("s3://models/resnet/model.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "models", bucket)
	assert.Equal(t, "resnet/model.tar.gz", key)

	for _, bad := range []string{
		"http://models/x",
		"s3://",
		"s3://bucket-only",
		"s3://bucket/",
	} {
		_, _, err := parseLocator(bad)
		assert.Error(t, err, bad)
	}
}
