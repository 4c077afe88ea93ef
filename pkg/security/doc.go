/*
Package security provides cryptographic services for the conveyor scheduling
core.

This package implements three capabilities: secrets encryption using
AES-256-GCM, a Certificate Authority (CA) for mutual TLS (mTLS) between
replicas and the merger, and certificate lifecycle management. Together
these protect source-connection credentials and authenticate the
replica-to-replica and replica-to-merger gRPC traffic described in DESIGN.md.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                    Security Architecture                    │
	└─────┬───────────────────────┬──────────────────┬────────────┘
	      │                       │                  │
	      ▼                       ▼                  ▼
	┌─────────────┐      ┌────────────────┐   ┌──────────────┐
	│   Secrets   │      │       CA       │   │ Certificate  │
	│ Encryption  │      │  (Root + Leaf) │   │  Management  │
	└─────┬───────┘      └────────┬───────┘   └──────┬───────┘
	      │                       │                   │
	      ▼                       ▼                   ▼
	  AES-256-GCM         RSA 4096-bit          90-day rotation
	  Connection           10-year validity      threshold check
	  credentials

## Encryption Key

Secrets encryption is rooted in a 32-byte AES-256 key supplied at replica
startup (the operator's config resolves it, out of this package's scope).
It encrypts:
  - Source-connection credentials (Gerrit SSH keys, GitLab tokens, webhook
    secrets) referenced by a Connection's CredentialRef/WebhookSecretRef
  - The CA's root private key, before it is persisted to the coordination
    store

# Secrets Encryption

## SecretsManager

SecretsManager encrypts and decrypts connection credentials using AES-256
in Galois/Counter Mode (GCM), providing authenticated encryption:

	Plaintext → AES-256-GCM → Ciphertext + Authentication Tag
	                ↑
	            32-byte key

Key features:
  - Authenticated encryption (integrity + confidentiality)
  - Random 12-byte nonce per encryption (no nonce reuse)

## Secret Storage Format

	types.Secret{
		ID:   "secret-abc123"
		Name: "gerrit-review-ssh-key"
		Data: [nonce || ciphertext || tag]  // Binary
	}

Decryption extracts the leading nonce, decrypts the remainder, and
verifies the authentication tag; a tampered or truncated blob returns an
error rather than plaintext.

# Certificate Authority

## Root CA

The CA uses a hierarchical structure with a long-lived, self-signed root:

	Root CA (self-signed)
	├── 10-year validity
	├── RSA 4096-bit key
	├── KeyUsage: CertSign, CRLSign
	└── Subject: CN=Conveyor Root CA, O=Conveyor Scheduling Core

The root is generated once (CertAuthority.Initialize), persisted to the
coordination store via SaveToStore with its private key AES-256-GCM
encrypted, and loaded by every replica on startup via LoadFromStore so all
replicas trust the same root.

## Leaf Certificates

The CA issues short-lived leaf certificates for the two identities this
core authenticates:

	Replica Certificate (IssueNodeCertificate)
	├── 90-day validity
	├── RSA 2048-bit key
	├── KeyUsage: DigitalSignature, KeyEncipherment
	├── ExtKeyUsage: ServerAuth, ClientAuth
	├── Subject: CN={role}-{nodeID}, O=Conveyor Scheduling Core
	└── DNS/IP SANs: the replica's own control-plane address

	Client Certificate (IssueClientCertificate)
	├── 90-day validity
	├── RSA 2048-bit key
	├── ExtKeyUsage: ClientAuth
	└── Subject: CN=cli-{clientID}, O=Conveyor Scheduling Core

A replica mutually authenticates with another replica (control-plane
gRPC, see pkg/rpcproto) and with the merger (pkg/merger) over TLS
configured from its own leaf certificate and the shared root pool.

# Certificate Rotation

GetCertDir/CertNeedsRotation (certs.go) give an operator-facing rotation
check: a certificate less than certRotationThreshold (30 days) from
expiry should be reissued via IssueNodeCertificate before the old one
lapses. This package does not schedule rotation itself; cmd/conveyor is
expected to check it on a timer and request a new leaf when due.

# Threat Model

Protects against:
  - A replica's persisted secrets being read if the coordination store's
    backing storage is exfiltrated (AES-256-GCM at rest)
  - An unauthenticated process joining the replica-to-replica or
    replica-to-merger gRPC surface (mTLS, root-verified)
  - Tampering with an encrypted secret going undetected (GCM auth tag)

Does not protect against:
  - A replica process compromised at runtime (it holds decrypted
    credentials and the CA's decrypted private key in memory)
  - Loss of the encryption key itself (there is no key-escrow mechanism
    in this package)
*/
package security
