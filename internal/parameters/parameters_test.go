package parameters

import (
	"github.com/stretchr/testify/require"
	"testing"
)

func TestNewFromConfigString(t *testing.T) {
	params := NewFromConfigString("epochs=3, lr=0.01,verbose,path=a=b,")
	require.Equal(t, Params{"epochs": "3", "lr": "0.01", "verbose": "", "path": "a=b"}, params)
	require.Empty(t, NewFromConfigString(""))
}

func TestGetParamOr(t *testing.T) {
	params := NewFromConfigString("epochs=3,lr=0.01,seed=12345678901,verbose,shuffle=false,name=mlp,bad=x")

	epochs, err := GetParamOr(params, "epochs", 8)
	require.NoError(t, err)
	require.Equal(t, 3, epochs)

	lr, err := GetParamOr(params, "lr", 1e-3)
	require.NoError(t, err)
	require.Equal(t, 0.01, lr)

	lr32, err := GetParamOr(params, "lr", float32(1e-3))
	require.NoError(t, err)
	require.Equal(t, float32(0.01), lr32)

	seed, err := GetParamOr(params, "seed", int64(42))
	require.NoError(t, err)
	require.Equal(t, int64(12345678901), seed)

	verbose, err := GetParamOr(params, "verbose", false)
	require.NoError(t, err)
	require.True(t, verbose)

	shuffle, err := GetParamOr(params, "shuffle", true)
	require.NoError(t, err)
	require.False(t, shuffle)

	name, err := GetParamOr(params, "name", "")
	require.NoError(t, err)
	require.Equal(t, "mlp", name)

	missing, err := GetParamOr(params, "missing", 7)
	require.NoError(t, err)
	require.Equal(t, 7, missing)

	_, err = GetParamOr(params, "bad", 1)
	require.Error(t, err)
	_, err = GetParamOr(params, "bad", true)
	require.Error(t, err)
}

func TestPopParamOr(t *testing.T) {
	params := NewFromConfigString("epochs=3,typo=1")
	epochs, err := PopParamOr(params, "epochs", 8)
	require.NoError(t, err)
	require.Equal(t, 3, epochs)
	require.NotContains(t, params, "epochs")

	err = CheckAllUsed(params)
	require.ErrorContains(t, err, "typo")
	delete(params, "typo")
	require.NoError(t, CheckAllUsed(params))
}
