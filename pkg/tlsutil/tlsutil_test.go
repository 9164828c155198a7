package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskwire/pkg/security"
)

// generateTestCert creates a self-signed certificate for testing
func generateTestCert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	keyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	return certPEM, keyPEM
}

// setupTestFiles creates temporary cert/key files for testing
func setupTestFiles(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()

	tmpDir := t.TempDir()
	certPEM, keyPEM := generateTestCert(t)

	certFile = filepath.Join(tmpDir, "cert.pem")
	keyFile = filepath.Join(tmpDir, "key.pem")
	caFile = filepath.Join(tmpDir, "ca.pem")

	require.NoError(t, os.WriteFile(certFile, certPEM, 0644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0600))
	require.NoError(t, os.WriteFile(caFile, certPEM, 0644)) // Use same cert as CA for testing

	return certFile, keyFile, caFile
}

func TestLoadServerTLSConfig(t *testing.T) {
	certFile, keyFile, caFile := setupTestFiles(t)

	tests := []struct {
		name    string
		cfg     security.ServerTLSConfig
		wantNil bool
		wantErr bool
		check   func(t *testing.T, tlsCfg *tls.Config)
	}{
		{
			name:    "disabled",
			cfg:     security.ServerTLSConfig{Enabled: false},
			wantNil: true,
		},
		{
			name: "enabled with valid cert",
			cfg: security.ServerTLSConfig{
				Enabled:    true,
				CertFile:   certFile,
				KeyFile:    keyFile,
				MinVersion: "1.3",
			},
			check: func(t *testing.T, tlsCfg *tls.Config) {
				assert.Equal(t, uint16(tls.VersionTLS13), tlsCfg.MinVersion)
				assert.Len(t, tlsCfg.Certificates, 1)
			},
		},
		{
			name: "missing cert file",
			cfg: security.ServerTLSConfig{
				Enabled:  true,
				CertFile: "/nonexistent/cert.pem",
				KeyFile:  keyFile,
			},
			wantErr: true,
		},
		{
			name: "mtls required",
			cfg: security.ServerTLSConfig{
				Enabled:  true,
				CertFile: certFile,
				KeyFile:  keyFile,
				MTLS: security.ServerMTLSConfig{
					Enabled:           true,
					ClientCAFiles:     []string{caFile},
					RequireClientCert: true,
				},
			},
			check: func(t *testing.T, tlsCfg *tls.Config) {
				assert.Equal(t, tls.RequireAndVerifyClientCert, tlsCfg.ClientAuth)
				assert.NotNil(t, tlsCfg.ClientCAs)
			},
		},
		{
			name: "mtls optional client cert",
			cfg: security.ServerTLSConfig{
				Enabled:  true,
				CertFile: certFile,
				KeyFile:  keyFile,
				MTLS: security.ServerMTLSConfig{
					Enabled:       true,
					ClientCAFiles: []string{caFile},
				},
			},
			check: func(t *testing.T, tlsCfg *tls.Config) {
				assert.Equal(t, tls.VerifyClientCertIfGiven, tlsCfg.ClientAuth)
			},
		},
		{
			name: "mtls with cn whitelist",
			cfg: security.ServerTLSConfig{
				Enabled:  true,
				CertFile: certFile,
				KeyFile:  keyFile,
				MTLS: security.ServerMTLSConfig{
					Enabled:          true,
					ClientCAFiles:    []string{caFile},
					AllowedClientCNs: []string{"orchestrator"},
				},
			},
			check: func(t *testing.T, tlsCfg *tls.Config) {
				assert.NotNil(t, tlsCfg.VerifyPeerCertificate)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tlsCfg, err := LoadServerTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, tlsCfg)
				return
			}
			require.NotNil(t, tlsCfg)
			if tt.check != nil {
				tt.check(t, tlsCfg)
			}
		})
	}
}

func TestLoadClientTLSConfig(t *testing.T) {
	certFile, keyFile, caFile := setupTestFiles(t)

	tests := []struct {
		name    string
		cfg     security.ClientTLSConfig
		wantNil bool
		wantErr bool
		check   func(t *testing.T, tlsCfg *tls.Config)
	}{
		{
			name:    "disabled",
			cfg:     security.ClientTLSConfig{Enabled: false},
			wantNil: true,
		},
		{
			name: "enabled with extra ca",
			cfg: security.ClientTLSConfig{
				Enabled: true,
				CAFiles: []string{caFile},
			},
			check: func(t *testing.T, tlsCfg *tls.Config) {
				assert.NotNil(t, tlsCfg.RootCAs)
				assert.False(t, tlsCfg.InsecureSkipVerify)
			},
		},
		{
			name: "insecure skip verify",
			cfg: security.ClientTLSConfig{
				Enabled:            true,
				InsecureSkipVerify: true,
			},
			check: func(t *testing.T, tlsCfg *tls.Config) {
				assert.True(t, tlsCfg.InsecureSkipVerify)
			},
		},
		{
			name: "missing ca file",
			cfg: security.ClientTLSConfig{
				Enabled: true,
				CAFiles: []string{"/nonexistent/ca.pem"},
			},
			wantErr: true,
		},
		{
			name: "bad ca pem",
			cfg: security.ClientTLSConfig{
				Enabled: true,
				CAFiles: []string{keyFile}, // key PEM is not a certificate
			},
			wantErr: true,
		},
		{
			name: "mtls client cert",
			cfg: security.ClientTLSConfig{
				Enabled: true,
				MTLS: security.ClientMTLSConfig{
					Enabled:  true,
					CertFile: certFile,
					KeyFile:  keyFile,
				},
			},
			check: func(t *testing.T, tlsCfg *tls.Config) {
				assert.Len(t, tlsCfg.Certificates, 1)
			},
		},
		{
			name: "default min version",
			cfg: security.ClientTLSConfig{
				Enabled: true,
			},
			check: func(t *testing.T, tlsCfg *tls.Config) {
				assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tlsCfg, err := LoadClientTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, tlsCfg)
				return
			}
			require.NotNil(t, tlsCfg)
			if tt.check != nil {
				tt.check(t, tlsCfg)
			}
		})
	}
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion(""))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.0"))
}
