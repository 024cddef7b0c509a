package provisioner

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	appLabel      = "xmtp-agent"
	containerName = "agent"
	volumeName    = "data"
	dataMountPath = "/data"
	volumeSize    = "1Gi"
)

// Names are the Kubernetes object names of one tenant.
type Names struct {
	Deployment string
	Secret     string
	PVC        string
}

func ResourceNames(fid string) Names {
	base := "agent-" + fid
	return Names{
		Deployment: base,
		Secret:     base + "-env",
		PVC:        base + "-pvc",
	}
}

// Labels selects a tenant's pods.
func Labels(fid string) map[string]string {
	return map[string]string{"app": appLabel, "fid": fid}
}

// BuildSecret holds the agent environment. Only the signing key that was
// supplied is written.
func BuildSecret(namespace string, in Input) *corev1.Secret {
	fid := string(in.FID)
	data := map[string]string{
		"BACKEND_URL":               in.BackendURL,
		"BACKEND_API_KEY":           in.BackendAPIKey,
		"AGENT_FID":                 fid,
		"XMTP_ENV":                  in.XMTPEnv,
		"XMTP_DB_ENCRYPTION_KEY":    in.XMTPDBKey,
		"RAILWAY_VOLUME_MOUNT_PATH": dataMountPath,
	}
	if in.XMTPMnemonic != "" {
		data["XMTP_MNEMONIC"] = in.XMTPMnemonic
	}
	if in.XMTPPrivateKey != "" {
		data["XMTP_PRIVATE_KEY"] = in.XMTPPrivateKey
	}
	return &corev1.Secret{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Secret"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      ResourceNames(fid).Secret,
			Namespace: namespace,
			Labels:    Labels(fid),
		},
		StringData: data,
	}
}

func BuildPVC(namespace, fid string) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "PersistentVolumeClaim"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      ResourceNames(fid).PVC,
			Namespace: namespace,
			Labels:    Labels(fid),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(volumeSize),
				},
			},
		},
	}
}

// BuildDeployment runs a single agent replica with the tenant secret as its
// environment and the tenant volume at /data.
func BuildDeployment(namespace, image, fid string) *appsv1.Deployment {
	names := ResourceNames(fid)
	replicas := int32(1)
	return &appsv1.Deployment{
		TypeMeta: metav1.TypeMeta{APIVersion: "apps/v1", Kind: "Deployment"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      names.Deployment,
			Namespace: namespace,
			Labels:    Labels(fid),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: Labels(fid)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: Labels(fid)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:            containerName,
						Image:           image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						EnvFrom: []corev1.EnvFromSource{{
							SecretRef: &corev1.SecretEnvSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: names.Secret},
							},
						}},
						VolumeMounts: []corev1.VolumeMount{{Name: volumeName, MountPath: dataMountPath}},
					}},
					Volumes: []corev1.Volume{{
						Name: volumeName,
						VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: names.PVC},
						},
					}},
				},
			},
		},
	}
}
