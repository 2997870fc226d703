package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

var _ SecretStorage = &KubernetesSecretProvider{}

// KubernetesSecretProvider stores each secret as one key of a Kubernetes
// Secret object. Names are "<object>/<key>"; a name with more parts keeps
// the last part as the key and joins the rest into the object name.
type KubernetesSecretProvider struct {
	KubernetesConfig
	client kubernetes.Interface
}

type KubernetesConfig struct {
	Namespace string `mapstructure:"namespace"`
}

func NewKubernetesConfig() KubernetesConfig {
	return KubernetesConfig{
		Namespace: getDefaultNamespace(),
	}
}

func NewKubernetesSecretProviderFromConfig(cfg KubernetesConfig) (*KubernetesSecretProvider, error) {
	k8sConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("getting in-cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(k8sConfig)
	if err != nil {
		return nil, fmt.Errorf("creating k8s config: %w", err)
	}

	if cfg.Namespace == "" {
		cfg.Namespace = getDefaultNamespace()
	}

	return NewKubernetesSecretProvider(clientset, cfg.Namespace), nil
}

func NewKubernetesSecretProvider(client kubernetes.Interface, namespace string) *KubernetesSecretProvider {
	return &KubernetesSecretProvider{
		KubernetesConfig: KubernetesConfig{
			Namespace: namespace,
		},
		client: client,
	}
}

var (
	kubernetesInvalidKeyCharacters  = regexp.MustCompile(`[^-._a-zA-Z0-9]`)
	kubernetesInvalidNameCharacters = regexp.MustCompile(`[^-.a-z0-9]`)
)

func kubernetesSecretRef(name string) (objName, key string, err error) {
	idx := strings.LastIndex(name, "/")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", fmt.Errorf("invalid Kubernetes secret path %q, expected <object>/<key>", name)
	}

	obj := name[:idx]
	objName = strings.ToLower(obj)
	objName = kubernetesInvalidNameCharacters.ReplaceAllLiteralString(objName, "-")
	objName = strings.Trim(objName, "-.")
	if objName != obj {
		objName = withNameHash(objName, "-", obj)
	}

	key = name[idx+1:]
	if clean := kubernetesInvalidKeyCharacters.ReplaceAllLiteralString(key, "_"); clean != key {
		key = withNameHash(clean, "_", key)
	}

	return objName, key, nil
}

// withNameHash suffixes a rewritten name with a hash of the name it came
// from, so two names that rewrite the same way stay apart.
func withNameHash(clean, sep, original string) string {
	sum := sha256.Sum256([]byte(original))
	suffix := hex.EncodeToString(sum[:4])
	if clean == "" {
		return suffix
	}

	return clean + sep + suffix
}

func (k *KubernetesSecretProvider) SetSecret(name string, secret []byte) error {
	objName, key, err := kubernetesSecretRef(name)
	if err != nil {
		return err
	}

	patch := v1.Secret{
		Data: map[string][]byte{key: secret},
	}

	d, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	_, err = k.client.CoreV1().Secrets(k.Namespace).Patch(
		context.TODO(),
		objName,
		types.StrategicMergePatchType,
		d,
		metav1.PatchOptions{},
	)

	switch {
	case apierrors.IsNotFound(err):
		_, err = k.client.CoreV1().Secrets(k.Namespace).Create(context.TODO(), &v1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name: objName,
			},
			Data: patch.Data,
		}, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("k8s: creating secret: %w", err)
		}
	case err != nil:
		return fmt.Errorf("k8s: patching secret: %w", err)
	}

	return nil
}

func (k *KubernetesSecretProvider) GetSecret(name string) (secret []byte, err error) {
	objName, key, err := kubernetesSecretRef(name)
	if err != nil {
		return nil, err
	}

	retrieved, err := k.client.CoreV1().Secrets(k.Namespace).Get(context.TODO(), objName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("k8s: get secret: %w", err)
	}

	secretVal, ok := retrieved.Data[key]
	if !ok || len(secretVal) == 0 {
		return nil, ErrNotFound
	}

	return secretVal, nil
}

var defaultInstallNamespace = "default"

func getDefaultNamespace() string {
	contents, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace")
	if err != nil {
		return defaultInstallNamespace
	}

	if len(contents) > 0 {
		return strings.TrimSpace(string(contents))
	}

	return defaultInstallNamespace
}
