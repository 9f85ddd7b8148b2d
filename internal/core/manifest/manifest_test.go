package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRepo = "123456789.dkr.ecr.ap-northeast-2.amazonaws.com/my-app"

// =============================================================================
// ImageURI Tests
// =============================================================================

func TestImageURI(t *testing.T) {
	assert.Equal(t, testRepo+":latest", ImageURI(testRepo, "latest"))
	assert.Equal(t, testRepo+":v1", ImageURI(testRepo+"/", "v1"))
}

// =============================================================================
// Render Tests
// =============================================================================

func TestRender_Scenario(t *testing.T) {
	got, err := Render(Single("MyContainer", testRepo, "latest"))
	require.NoError(t, err)
	assert.Equal(t,
		`[{"name":"MyContainer","imageUri":"123456789.dkr.ecr.ap-northeast-2.amazonaws.com/my-app:latest"}]`,
		string(got))
}

func TestRender_SingleEntryForAnyRepository(t *testing.T) {
	repos := []string{
		testRepo,
		"000000000000.dkr.ecr.us-east-1.amazonaws.com/team/service",
		"localhost:5000/app",
	}
	for _, repo := range repos {
		data, err := Render(Single("MyContainer", repo, "latest"))
		require.NoError(t, err)

		defs, err := Parse(data)
		require.NoError(t, err)
		require.Len(t, defs, 1)
		assert.Equal(t, "MyContainer", defs[0].Name)
		assert.Equal(t, repo+":latest", defs[0].ImageURI)
	}
}

func TestRender_NoHTMLEscaping(t *testing.T) {
	got, err := Render([]ImageDefinition{{Name: "a&b", ImageURI: "r/<x>:t"}})
	require.NoError(t, err)
	assert.Equal(t, `[{"name":"a&b","imageUri":"r/<x>:t"}]`, string(got))
}

func TestRender_Empty(t *testing.T) {
	_, err := Render(nil)
	assert.ErrorIs(t, err, ErrEmptyManifest)
}

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte(`{"name":"x"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParse_MissingFields(t *testing.T) {
	_, err := Parse([]byte(`[{"name":"x"}]`))
	assert.ErrorIs(t, err, ErrMissingImageURI)

	_, err = Parse([]byte(`[{"imageUri":"r:t"}]`))
	assert.ErrorIs(t, err, ErrMissingName)
}

func TestParse_Duplicate(t *testing.T) {
	_, err := Parse([]byte(`[{"name":"a","imageUri":"r:1"},{"name":"a","imageUri":"r:2"}]`))
	assert.ErrorIs(t, err, ErrDuplicateContainer)
}

func TestParse_MultipleEntries(t *testing.T) {
	defs, err := Parse([]byte(`[{"name":"a","imageUri":"r:1"},{"name":"b","imageUri":"r:2"}]`))
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}

// =============================================================================
// Find Tests
// =============================================================================

func TestFind(t *testing.T) {
	defs := []ImageDefinition{{Name: "web", ImageURI: "r:1"}, {Name: "worker", ImageURI: "r:2"}}

	uri, err := Find(defs, "worker")
	require.NoError(t, err)
	assert.Equal(t, "r:2", uri)

	_, err = Find(defs, "MyContainer")
	assert.ErrorIs(t, err, ErrContainerNotInManifest)
}
