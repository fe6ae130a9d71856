package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestTopicAttributesOmitsBlankTopic(t *testing.T) {
	attrs := TopicAttributes("dev", "main", "")
	require.Equal(t, []attribute.KeyValue{AttrEnvironment.String("dev"), AttrSystem.String("main")}, attrs)

	attrs = TopicAttributes("dev", "main", "aaa")
	require.Contains(t, attrs, AttrTopic.String("aaa"))
}

func TestTransportAttributesStatus(t *testing.T) {
	require.Len(t, TransportAttributes("dev", "main", "http", ""), 3)
	require.Contains(t, TransportAttributes("dev", "main", "http", "503"), AttrStatus.String("503"))
}

func TestEnvironmentDefaultsAndOverrides(t *testing.T) {
	SetEnvironment("")
	require.Equal(t, "development", Environment())

	p, err := NewProvider(context.Background(), Config{Enabled: false, Environment: " Staging "})
	require.NoError(t, err)
	require.Equal(t, "staging", Environment())
	require.NotNil(t, p.Meter("test"))
	require.NoError(t, p.Shutdown(context.Background()))
	SetEnvironment("")
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
